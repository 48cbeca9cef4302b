package balance

import (
	"context"
	"errors"
	"log"
	"sync"

	"nexus-core/internal/firewall"
	"nexus-core/pkg/db"
	"nexus-core/pkg/solana"
)

// Subscriber delivers account-change triggers for an address.
type Subscriber interface {
	AccountSubscribe(ctx context.Context, address string, fn func()) error
}

// TokenLocator finds the token account that holds an owner's tier balance.
type TokenLocator interface {
	TokenAccount(ctx context.Context, owner, mint string) (solana.TokenAccount, error)
}

// UpdateFunc receives the persisted account after every watcher-driven refresh.
type UpdateFunc func(ctx context.Context, acct *db.Account)

// Watcher subscribes each account's native and tier-token addresses and
// treats every notification as a trigger to refetch and persist.
type Watcher struct {
	sub       Subscriber
	tokens    TokenLocator
	refresher *Refresher
	tierMint  string
	breaker   firewall.Reporter
	onUpdate  UpdateFunc

	mu      sync.Mutex
	ctx     context.Context
	native  map[string]bool   // handle -> wallet subscribed
	tier    map[string]string // handle -> subscribed token account
	running map[string]bool   // handle -> refresh in flight
	again   map[string]bool   // handle -> trigger arrived during refresh
}

func NewWatcher(sub Subscriber, tokens TokenLocator, refresher *Refresher, tierMint string, breaker firewall.Reporter, onUpdate UpdateFunc) *Watcher {
	return &Watcher{
		sub:       sub,
		tokens:    tokens,
		refresher: refresher,
		tierMint:  tierMint,
		breaker:   breaker,
		onUpdate:  onUpdate,
		ctx:       context.Background(),
		native:    make(map[string]bool),
		tier:      make(map[string]string),
		running:   make(map[string]bool),
		again:     make(map[string]bool),
	}
}

// Start subscribes every known account. Refreshes triggered later run under ctx.
func (w *Watcher) Start(ctx context.Context, store Store) (int, error) {
	w.mu.Lock()
	w.ctx = ctx
	w.mu.Unlock()

	accts, err := store.ListAccounts(ctx)
	if err != nil {
		return 0, err
	}
	for i := range accts {
		if err := w.Subscribe(ctx, accts[i]); err != nil {
			log.Printf("⚠️ [watcher] subscribe %s: %v", accts[i].Handle, err)
		}
	}
	return len(accts), nil
}

// Subscribe registers acct once. Calling it again only retries a tier
// subscription that could not be made earlier (no token account yet).
func (w *Watcher) Subscribe(ctx context.Context, acct db.Account) error {
	handle := acct.Handle
	w.mu.Lock()
	nativeDone := w.native[handle]
	_, tierDone := w.tier[handle]
	w.mu.Unlock()

	if !nativeDone {
		if err := w.sub.AccountSubscribe(ctx, acct.WalletRef, w.trigger(handle)); err != nil {
			return err
		}
		w.mu.Lock()
		w.native[handle] = true
		w.mu.Unlock()
	}
	if tierDone || w.tierMint == "" || w.tokens == nil {
		return nil
	}

	ta, err := w.tokens.TokenAccount(ctx, acct.WalletRef, w.tierMint)
	if errors.Is(err, solana.ErrTokenAccountAbsent) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := w.sub.AccountSubscribe(ctx, ta.Address, w.trigger(handle)); err != nil {
		return err
	}
	w.mu.Lock()
	w.tier[handle] = ta.Address
	w.mu.Unlock()
	return nil
}

// Watching reports whether handle's native balance is subscribed.
func (w *Watcher) Watching(handle string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.native[handle]
}

func (w *Watcher) trigger(handle string) func() {
	return func() {
		w.mu.Lock()
		ctx := w.ctx
		w.mu.Unlock()
		w.Handle(ctx, handle)
	}
}

// Handle refetches handle's balances and runs the update callback.
// Triggers that arrive while a refresh is in flight coalesce into one more pass.
func (w *Watcher) Handle(ctx context.Context, handle string) {
	w.mu.Lock()
	if w.running[handle] {
		w.again[handle] = true
		w.mu.Unlock()
		return
	}
	w.running[handle] = true
	w.mu.Unlock()

	for {
		w.refresh(ctx, handle)

		w.mu.Lock()
		if !w.again[handle] || ctx.Err() != nil {
			delete(w.running, handle)
			delete(w.again, handle)
			w.mu.Unlock()
			return
		}
		delete(w.again, handle)
		w.mu.Unlock()
	}
}

func (w *Watcher) refresh(ctx context.Context, handle string) {
	acct, err := w.refresher.Refresh(ctx, handle)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("❌ [watcher] %v", err)
			if w.breaker != nil {
				w.breaker.Report(firewall.KindError, "refresh balance "+handle)
			}
		}
		return
	}
	if w.onUpdate != nil {
		w.onUpdate(ctx, acct)
	}
}
