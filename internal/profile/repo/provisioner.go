package repo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	identity "github.com/ovaphlow/pitchfork/service-session-go/internal/identity/entity"
	"github.com/ovaphlow/pitchfork/service-session-go/internal/profile"
	"github.com/ovaphlow/pitchfork/service-session-go/internal/profile/entity"
)

// Provisioner is the backend side of profile creation. It listens for the
// principal_created notification and inserts the profile row, racing the
// client-side fallback in profile.Reconciler.
type Provisioner struct {
	dsn     string
	channel string
	store   profile.Store
	logger  *zap.SugaredLogger
	// Delay postpones each insert. Zero inserts right away.
	Delay time.Duration
}

func NewProvisioner(dsn, channel string, store profile.Store, logger *zap.SugaredLogger) *Provisioner {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Provisioner{dsn: dsn, channel: channel, store: store, logger: logger}
}

type principalCreated struct {
	ID       string         `json:"id"`
	Email    string         `json:"email"`
	Metadata map[string]any `json:"metadata"`
}

// Run listens until ctx is done. Principals created while the connection is
// down are not replayed; the reconciler's fallback covers them.
func (p *Provisioner) Run(ctx context.Context) error {
	l := pq.NewListener(p.dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			p.logger.Warnw("profile provisioner listener event", "event", ev, "err", err)
		}
	})
	defer l.Close()
	if err := l.Listen(p.channel); err != nil {
		return err
	}
	p.logger.Infow("profile provisioner listening", "channel", p.channel)

	ticker := time.NewTicker(90 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-l.Notify:
			if n == nil {
				p.logger.Warnw("profile provisioner reconnected, notifications may have been missed")
				continue
			}
			p.handle(ctx, n.Extra)
		case <-ticker.C:
			p.ping(l)
		}
	}
}

// ping checks the listen connection; a failure makes the listener reconnect.
func (p *Provisioner) ping(l interface{ Ping() error }) {
	if err := l.Ping(); err != nil {
		p.logger.Warnw("profile provisioner ping failed", "channel", p.channel, "err", err)
	}
}

func (p *Provisioner) handle(ctx context.Context, payload string) {
	var msg principalCreated
	if err := json.Unmarshal([]byte(payload), &msg); err != nil || msg.ID == "" {
		p.logger.Warnw("profile provisioner: bad payload", "payload", payload, "err", err)
		return
	}
	if p.Delay > 0 {
		select {
		case <-time.After(p.Delay):
		case <-ctx.Done():
			return
		}
	}
	if err := p.Provision(ctx, identity.Principal{ID: msg.ID, Email: msg.Email, Metadata: msg.Metadata}); err != nil {
		p.logger.Errorw("profile provisioning failed", "principal_id", msg.ID, "err", err)
	}
}

// Provision inserts the profile of a new principal. A row that already exists
// is left as is.
func (p *Provisioner) Provision(ctx context.Context, pr identity.Principal) error {
	now := time.Now().UTC()
	err := p.store.Insert(ctx, &entity.Profile{
		ID:        pr.ID,
		Name:      profile.DeriveName(pr),
		Email:     pr.Email,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if errors.Is(err, profile.ErrDuplicate) {
		p.logger.Debugw("profile already present", "principal_id", pr.ID)
		return nil
	}
	return err
}
