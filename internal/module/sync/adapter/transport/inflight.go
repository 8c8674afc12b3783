package transport

import (
	"fmt"
	"sync"

	"github.com/jinford/dataset-sync/internal/module/sync/domain"
)

// inflightRegistry は同一ターゲットへの同時ダウンロードを禁止します
// キーは (source-id, destination-path) の組
type inflightRegistry struct {
	mu     sync.Mutex
	active map[string]struct{}
}

func newInflightRegistry() *inflightRegistry {
	return &inflightRegistry{active: make(map[string]struct{})}
}

// acquire はキーを登録し、解放関数を返します
// 既に登録済みの場合は ErrDownloadInFlight を返します
func (r *inflightRegistry) acquire(key string) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.active[key]; ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrDownloadInFlight, key)
	}
	r.active[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.active, key)
			r.mu.Unlock()
		})
	}, nil
}

// len は実行中のタスク数を返します
func (r *inflightRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
