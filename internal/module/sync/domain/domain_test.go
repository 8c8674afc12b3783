package domain_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/dataset-sync/internal/module/sync/domain"
)

func TestParseDateToken(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantOK    bool
		wantToken string
		wantTime  time.Time
	}{
		{name: "月トークン", input: "Crash_2024Jun.zip", wantOK: true, wantToken: "2024Jun", wantTime: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)},
		{name: "接頭辞付きの月トークン", input: "SMS_AB_PassProperty_2024Jul.zip", wantOK: true, wantToken: "2024Jul", wantTime: time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)},
		{name: "大文字の月トークンは正規化される", input: "Crash_2024JUN.zip", wantOK: true, wantToken: "2024Jun", wantTime: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)},
		{name: "日付トークン", input: "CENSUS_PUB_20240301.zip", wantOK: true, wantToken: "20240301", wantTime: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
		{name: "URLのクエリは無視する", input: "https://share.example.com/files/CENSUS_PUB_20240101.zip?dl=1", wantOK: true, wantToken: "20240101", wantTime: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{name: "トークンなし", input: "readme.txt", wantOK: false},
		{name: "存在しない月", input: "Crash_2024Xyz.zip", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			marker, ok := domain.ParseDateToken(tt.input)

			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.wantToken, marker.Token)
				assert.True(t, tt.wantTime.Equal(marker.Time))
			}
		})
	}
}

func TestArchiveMemberName(t *testing.T) {
	tests := []struct {
		category string
		want     string
	}{
		{category: "FTP_Crash", want: "2024Jun_Crash.txt"},
		{category: "FTP_Inspection", want: "2024Jun_Inspection.txt"},
		{category: "FTP_Violation", want: "2024Jun_Violation.txt"},
		{category: "SMS", want: "SMS_AB_PassProperty_2024Jun.txt"},
		{category: "Census", want: "Census_2024Jun.txt"},
	}

	for _, tt := range tests {
		t.Run(tt.category, func(t *testing.T) {
			assert.Equal(t, tt.want, domain.ArchiveMemberName(tt.category, "2024Jun"))
		})
	}
}

func TestMarker(t *testing.T) {
	older := domain.NewMarker(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	newer := domain.NewMarker(time.Date(2024, 6, 1, 0, 0, 0, 0, time.FixedZone("JST", 9*60*60)))

	assert.True(t, newer.After(older))
	assert.False(t, older.After(newer))
	assert.False(t, older.After(older))
	assert.Equal(t, time.UTC, newer.Time.Location())
	assert.True(t, domain.Marker{}.IsZero())
	assert.Equal(t, "<none>", domain.Marker{}.String())
	assert.Equal(t, "2024Jun", domain.Marker{Time: newer.Time, Token: "2024Jun"}.String())
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want domain.ErrorKind
	}{
		{name: "nil", err: nil, want: ""},
		{name: "5xx は一時的", err: domain.NewStatusError("fetch", "u", 503), want: domain.KindTransient},
		{name: "429 は一時的", err: domain.NewStatusError("fetch", "u", 429), want: domain.KindTransient},
		{name: "404 は恒久的", err: domain.NewStatusError("fetch", "u", 404), want: domain.KindPermanent},
		{name: "ラップされた転送エラー", err: fmt.Errorf("wrapped: %w", domain.NewTransientError("retr", "u", errors.New("reset"))), want: domain.KindTransient},
		{name: "整合性エラーは恒久的", err: &domain.IntegrityError{Path: "a.zip", Reason: "missing member"}, want: domain.KindPermanent},
		{name: "タイムアウトは一時的", err: timeoutErr{}, want: domain.KindTransient},
		{name: "期限切れは一時的", err: context.DeadlineExceeded, want: domain.KindTransient},
		{name: "キャンセルは恒久的", err: context.Canceled, want: domain.KindPermanent},
		{name: "不明なエラーは恒久的", err: errors.New("boom"), want: domain.KindPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, domain.Classify(tt.err))
		})
	}
}

func TestDatasetSource_Validate(t *testing.T) {
	tests := []struct {
		name    string
		src     domain.DatasetSource
		wantErr string
	}{
		{
			name: "正常系: api-metadata",
			src:  domain.DatasetSource{ID: "A", Protocol: domain.ProtocolAPIMetadata, Location: "https://example.com/api/views/a"},
		},
		{
			name: "正常系: share-link の content-hash",
			src:  domain.DatasetSource{ID: "L", Protocol: domain.ProtocolShareLink, Freshness: domain.FreshnessContentHash, Links: []string{"https://example.com/a.csv"}},
		},
		{
			name:    "異常系: ID なし",
			src:     domain.DatasetSource{Protocol: domain.ProtocolAPIMetadata, Location: "x"},
			wantErr: "dataset id is required",
		},
		{
			name:    "異常系: 不明なプロトコル",
			src:     domain.DatasetSource{ID: "A", Protocol: "gopher", Location: "x"},
			wantErr: "unknown protocol",
		},
		{
			name:    "異常系: share-link にリンクがない",
			src:     domain.DatasetSource{ID: "L", Protocol: domain.ProtocolShareLink},
			wantErr: "share-link requires links",
		},
		{
			name:    "異常系: ftp-dir にパターンもテンプレートもない",
			src:     domain.DatasetSource{ID: "F", Protocol: domain.ProtocolFTPDir, Location: "ftp://ftp.example.com/"},
			wantErr: "pattern or template is required",
		},
		{
			name:    "異常系: content-hash は share-link 以外で使えない",
			src:     domain.DatasetSource{ID: "A", Protocol: domain.ProtocolAPIMetadata, Location: "x", Freshness: domain.FreshnessContentHash},
			wantErr: "content-hash is only supported",
		},
		{
			name:    "異常系: サーバタイムスタンプは api-metadata 以外で使えない",
			src:     domain.DatasetSource{ID: "F", Protocol: domain.ProtocolFTPDir, Location: "ftp://ftp.example.com/", FilePattern: `Crash_(\d{4}\w{3})\.zip`, Freshness: domain.FreshnessServerTimestamp},
			wantErr: "server-timestamp-field is only supported for api-metadata",
		},
		{
			name: "正常系: api-metadata のサーバタイムスタンプ",
			src:  domain.DatasetSource{ID: "A", Protocol: domain.ProtocolAPIMetadata, Location: "x", Freshness: domain.FreshnessServerTimestamp},
		},
		{
			name:    "異常系: 不明な鮮度判定方式",
			src:     domain.DatasetSource{ID: "A", Protocol: domain.ProtocolAPIMetadata, Location: "x", Freshness: "etag"},
			wantErr: "unknown freshness strategy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.src.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
