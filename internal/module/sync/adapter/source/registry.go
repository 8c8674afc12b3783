package source

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/jonboulle/clockwork"

	"github.com/jinford/dataset-sync/internal/module/sync/domain"
	"github.com/jinford/dataset-sync/internal/platform/retry"
)

// Registry はプロトコルごとの SourceAdapter を保持し、DatasetSource に応じて振り分けます
type Registry struct {
	adapters map[domain.Protocol]domain.SourceAdapter
}

var _ domain.SourceAdapter = (*Registry)(nil)

// options はアダプター共通の設定です
type options struct {
	clock     clockwork.Clock
	logger    *slog.Logger
	userAgent string
	policy    retry.Policy
}

// Option はアダプター構築時のオプション
type Option func(*options)

// WithClock は現在時刻の取得元を設定する
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// WithLogger はロガーを設定する
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithUserAgent はメタデータAPIへのUser-Agentを設定する
func WithUserAgent(ua string) Option {
	return func(o *options) {
		if ua != "" {
			o.userAgent = ua
		}
	}
}

// WithRetryPolicy はメタデータ取得の再試行ポリシーを設定する
func WithRetryPolicy(policy retry.Policy) Option {
	return func(o *options) {
		o.policy = policy
	}
}

func newOptions(opts []Option) options {
	o := options{
		clock:     clockwork.NewRealClock(),
		logger:    slog.Default(),
		userAgent: "dataset-sync/1.0",
		policy:    retry.DefaultPolicy(domain.IsTransient),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.policy.Logger == nil {
		o.policy.Logger = o.logger
	}
	return o
}

// NewRegistry は空のレジストリを作成します
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[domain.Protocol]domain.SourceAdapter)}
}

// NewDefaultRegistry は全プロトコルのアダプターを登録したレジストリを作成します
func NewDefaultRegistry(transport domain.Transport, client *http.Client, opts ...Option) *Registry {
	r := NewRegistry()
	dateToken := NewDateTokenAdapter(transport, opts...)
	r.Register(domain.ProtocolAPIMetadata, NewAPIMetadataAdapter(client, opts...))
	r.Register(domain.ProtocolFTPDir, dateToken)
	r.Register(domain.ProtocolHTTPStatic, dateToken)
	r.Register(domain.ProtocolShareLink, NewShareLinkAdapter(transport, opts...))
	return r
}

// Register はプロトコルにアダプターを登録します
func (r *Registry) Register(protocol domain.Protocol, adapter domain.SourceAdapter) {
	r.adapters[protocol] = adapter
}

// Check はデータセットのプロトコルに対応するアダプターで鮮度判定を行います
func (r *Registry) Check(ctx context.Context, src domain.DatasetSource, state *domain.SyncState) (domain.Check, error) {
	adapter, ok := r.adapters[src.Protocol]
	if !ok {
		return domain.Check{}, fmt.Errorf("no source adapter for protocol %q", src.Protocol)
	}
	return adapter.Check(ctx, src, state)
}

// needsUpdate はリモートマーカーが保存済みマーカーより新しいかを判定します
// 保存済みマーカーがない場合は常に取得対象になります
func needsUpdate(remote domain.Marker, state *domain.SyncState) bool {
	if state == nil || state.LastMarker.IsZero() {
		return true
	}
	return remote.After(state.LastMarker)
}

// joinURL はディレクトリURLとファイル名を結合します
func joinURL(base, name string) string {
	return strings.TrimSuffix(base, "/") + "/" + url.PathEscape(name)
}
