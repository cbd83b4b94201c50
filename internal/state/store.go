// Package state は画面に公開する認証・プロフィール状態（SyncState）を保持する。
//
// すべての変更はStore.Updateを通じて1つのロックの下で適用され、
// 公開前に不変条件（プロフィールは現在のユーザーのものに限る）へ正規化される。
// 監視者は常に一貫したスナップショットのみを受け取る。
package state

import (
	"context"
	"sync"

	"github.com/hitoshi/mindful/internal/model"
)

// Store は公開状態の唯一の保持者。
type Store struct {
	mu       sync.Mutex
	cur      model.SyncState
	watchers map[uint64]chan model.SyncState
	nextID   uint64
}

// NewStore は空の状態（未サインイン、ロード中でない）でStoreを生成する。
func NewStore() *Store {
	return &Store{
		watchers: make(map[uint64]chan model.SyncState),
	}
}

// Snapshot は現在の状態のコピーを返す。
func (s *Store) Snapshot() model.SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur.Clone()
}

// Update はロックを保持したままfnを状態のコピーに適用する。
// fnがfalseを返した場合は何も公開せず、現在の状態を返す。
// trueの場合は正規化したうえで公開し、公開した状態を返す。
//
// 正規化ルール:
//   - ユーザーのIDが変わった場合、Generationを進め、Profileを破棄し、
//     新しいユーザーがいればProfileLoadingをtrueにする
//   - ユーザーがnilならSession・Profile・ProfileLoadingもクリアする
//   - ユーザーと一致しないProfileは破棄する
//
// fnの中でUpdateを再帰的に呼んではならない。
func (s *Store) Update(fn func(st *model.SyncState) bool) model.SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cur.Clone()
	if !fn(&next) {
		return s.cur.Clone()
	}

	normalize(s.cur.User, &next)
	next.Version = s.cur.Version + 1
	s.cur = next

	for _, ch := range s.watchers {
		offer(ch, next.Clone())
	}
	return next.Clone()
}

func normalize(prevUser *model.Identity, st *model.SyncState) {
	if !model.SameIdentity(prevUser, st.User) {
		st.Generation++
		st.Profile = nil
		st.ProfileLoading = st.User != nil
	}
	if st.User == nil {
		st.Session = nil
		st.Profile = nil
		st.ProfileLoading = false
		return
	}
	if st.Profile != nil && st.Profile.ID != st.User.ID {
		st.Profile = nil
	}
}

// Watch は公開された状態を受け取るチャネルを返す。
// 最初に現在の状態が届き、以降は最新値のみが保持される（遅い受信側は中間の版を取りこぼすが、
// 不整合な状態を受け取ることはない）。ctxが終了するとチャネルは閉じられる。
func (s *Store) Watch(ctx context.Context) <-chan model.SyncState {
	ch := make(chan model.SyncState, 1)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = ch
	ch <- s.cur.Clone()
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// offer は容量1のチャネルに最新値を置く。古い値が残っていれば置き換える。
func offer(ch chan model.SyncState, st model.SyncState) {
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- st:
	default:
	}
}
