package downloader

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDownloadKlines(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/klines", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("startTime") == "1700000000000" {
			_, _ = w.Write([]byte(`[
				[1700000000000,"100.0","101.0","99.0","100.5","10",1700000059999,"1000",5,"4","400","0"],
				[1700000060000,"100.5","102.0","100.0","101.5","12",1700000119999,"1200",6,"5","500","0"]
			]`))
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	d := NewKlineDownloader(zap.NewNop(), WithBaseURL(srv.URL), WithPause(0))
	path := filepath.Join(t.TempDir(), "data", "BTCUSDT.csv")
	start := time.UnixMilli(1700000000000)
	end := start.Add(10 * time.Minute)

	require.NoError(t, d.DownloadKlines(context.Background(), "BTCUSDT", path, start, end))
	assert.Equal(t, int32(2), calls.Load())

	klines, err := LoadKlines(path)
	require.NoError(t, err)
	require.Len(t, klines, 2)
	assert.Equal(t, 100.0, klines[0].Open)
	assert.Equal(t, 99.0, klines[0].Low)
	assert.Equal(t, 101.5, klines[1].Close)
	assert.Equal(t, int64(1700000060000), klines[1].OpenTime.UnixMilli())

	// cached file: no more requests
	require.NoError(t, d.DownloadKlines(context.Background(), "BTCUSDT", path, start, end))
	assert.Equal(t, int32(2), calls.Load())
}

func TestDownloadKlines_FailureLeavesNoCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"code":-1000,"msg":"unknown"}`))
	}))
	defer srv.Close()

	d := NewKlineDownloader(zap.NewNop(), WithBaseURL(srv.URL), WithPause(0))
	path := filepath.Join(t.TempDir(), "x.csv")
	err := d.DownloadKlines(context.Background(), "BTCUSDT", path, time.UnixMilli(0), time.UnixMilli(60_000))
	require.Error(t, err)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestReadKlines(t *testing.T) {
	klines, err := ReadKlines(strings.NewReader("open_time,open,high,low,close\n0,1,2,0.5,1.5\n60000,1.5,3,1,2\n"))
	require.NoError(t, err)
	require.Len(t, klines, 2)
	assert.Equal(t, 2.0, klines[1].Close)

	_, err = ReadKlines(strings.NewReader("0,1,2,x,1.5\n"))
	assert.ErrorContains(t, err, "low")

	_, err = ReadKlines(strings.NewReader("open_time,open,high,low,close\n"))
	assert.Error(t, err)

	_, err = ReadKlines(strings.NewReader("0,1,2\n"))
	assert.Error(t, err)
}
