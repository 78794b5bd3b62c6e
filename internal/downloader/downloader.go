package downloader

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gridbot/internal/models"

	"github.com/adshao/go-binance/v2"
	"go.uber.org/zap"
)

var header = []string{"open_time", "open", "high", "low", "close", "volume", "close_time", "quote_asset_volume", "number_of_trades", "taker_buy_base_asset_volume", "taker_buy_quote_asset_volume"}

// KlineDownloader 用于从币安下载K线数据
type KlineDownloader struct {
	client *binance.Client
	logger *zap.Logger
	pause  time.Duration
}

type Option func(*KlineDownloader)

// WithBaseURL 覆盖 REST 地址
func WithBaseURL(url string) Option {
	return func(d *KlineDownloader) { d.client.BaseURL = url }
}

// WithPause 设置两次请求之间的间隔
func WithPause(p time.Duration) Option {
	return func(d *KlineDownloader) { d.pause = p }
}

// NewKlineDownloader 创建一个新的下载器实例
func NewKlineDownloader(logger *zap.Logger, opts ...Option) *KlineDownloader {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &KlineDownloader{
		client: binance.NewClient("", ""), // 公共接口不需要API Key
		logger: logger,
		pause:  200 * time.Millisecond, // 避免过于频繁的请求
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DownloadKlines 下载指定交易对和时间范围内的1分钟K线数据，并保存到CSV文件
// 如果文件已存在，则会跳过下载，直接使用缓存。
func (d *KlineDownloader) DownloadKlines(ctx context.Context, symbol, filePath string, startTime, endTime time.Time) error {
	if _, err := os.Stat(filePath); err == nil {
		d.logger.Info("从缓存加载数据", zap.String("path", filePath))
		return nil
	}

	d.logger.Info("开始下载K线数据",
		zap.String("symbol", symbol),
		zap.Time("start", startTime),
		zap.Time("end", endTime))

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return fmt.Errorf("无法创建目录: %w", err)
	}
	// 先写临时文件, 成功后再改名, 中断的下载不会被当作缓存
	tmp := filePath + ".part"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("无法创建文件 %s: %w", tmp, err)
	}
	defer os.Remove(tmp)

	rows, err := d.write(ctx, file, symbol, startTime, endTime)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, filePath); err != nil {
		return err
	}
	d.logger.Info("成功下载K线数据", zap.String("path", filePath), zap.Int("rows", rows))
	return nil
}

func (d *KlineDownloader) write(ctx context.Context, w io.Writer, symbol string, startTime, endTime time.Time) (int, error) {
	writer := csv.NewWriter(w)
	if err := writer.Write(header); err != nil {
		return 0, fmt.Errorf("写入CSV表头失败: %w", err)
	}

	rows := 0
	for t := startTime; t.Before(endTime); {
		klines, err := d.client.NewKlinesService().
			Symbol(symbol).
			Interval("1m").
			StartTime(t.UnixMilli()).
			EndTime(endTime.UnixMilli()).
			Limit(1000). // 币安单次请求最多1000条
			Do(ctx)
		if err != nil {
			return rows, fmt.Errorf("下载K线数据失败: %w", err)
		}
		if len(klines) == 0 {
			break
		}

		for _, k := range klines {
			record := []string{
				strconv.FormatInt(k.OpenTime, 10),
				k.Open,
				k.High,
				k.Low,
				k.Close,
				k.Volume,
				strconv.FormatInt(k.CloseTime, 10),
				k.QuoteAssetVolume,
				strconv.FormatInt(k.TradeNum, 10),
				k.TakerBuyBaseAssetVolume,
				k.TakerBuyQuoteAssetVolume,
			}
			if err := writer.Write(record); err != nil {
				return rows, fmt.Errorf("写入CSV记录失败: %w", err)
			}
			rows++
		}

		// 更新下一次请求的开始时间
		t = time.UnixMilli(klines[len(klines)-1].CloseTime + 1)
		d.logger.Debug("已下载数据", zap.Time("until", t))

		select {
		case <-ctx.Done():
			return rows, ctx.Err()
		case <-time.After(d.pause):
		}
	}
	writer.Flush()
	return rows, writer.Error()
}

// LoadKlines 读取 DownloadKlines 写出的 CSV 文件
func LoadKlines(path string) ([]models.Kline, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadKlines(f)
}

// ReadKlines 解析 K 线 CSV。第一行若不是数字则视为表头; 无法解析的行返回错误。
func ReadKlines(r io.Reader) ([]models.Kline, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	var out []models.Kline
	for line := 1; ; line++ {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(rec) < 5 {
			return nil, fmt.Errorf("line %d: want at least 5 fields, got %d", line, len(rec))
		}
		ms, err := strconv.ParseInt(rec[0], 10, 64)
		if err != nil {
			if line == 1 {
				continue
			}
			return nil, fmt.Errorf("line %d: open time: %w", line, err)
		}
		k := models.Kline{OpenTime: time.UnixMilli(ms).UTC()}
		for i, dst := range []*float64{&k.Open, &k.High, &k.Low, &k.Close} {
			v, err := strconv.ParseFloat(rec[i+1], 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: field %s: %w", line, header[i+1], err)
			}
			*dst = v
		}
		out = append(out, k)
	}
	if len(out) == 0 {
		return nil, errors.New("no klines in data")
	}
	return out, nil
}
