package identity

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Listener receives the current session, or nil once there is none.
type Listener func(*Session)

// Unsubscribe deregisters a listener. It is idempotent.
type Unsubscribe func()

type revocation struct {
	AccessID string `json:"access_id"`
}

// Client is the view of the provider held by one connected client.
type Client struct {
	provider *Provider
	token    string
}

// Client binds the session-change surface to one access token.
func (p *Provider) Client(accessToken string) *Client {
	return &Client{provider: p, token: accessToken}
}

// Subscribe resolves the token in the background and reports the outcome to
// listener: the session once, then nil when the session is revoked or the
// token expires. A token that does not resolve reports nil.
func (c *Client) Subscribe(listener Listener) Unsubscribe {
	sub := &subscription{listener: listener}
	go c.provider.attach(sub, c.token)
	return sub.cancel
}

type subscription struct {
	listener Listener

	deliverMu sync.Mutex
	mu        sync.Mutex
	cancelled bool
	ended     bool
	timer     *time.Timer
	detach    func()
}

func (s *subscription) deliver(current *Session) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	if s.cancelled || s.ended {
		s.mu.Unlock()
		return
	}
	if current == nil {
		s.ended = true
		if s.timer != nil {
			s.timer.Stop()
		}
	}
	s.mu.Unlock()

	s.listener(current)
}

func (s *subscription) cancel() {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	if s.timer != nil {
		s.timer.Stop()
	}
	detach := s.detach
	s.mu.Unlock()

	if detach != nil {
		detach()
	}
}

func (p *Provider) attach(sub *subscription, token string) {
	ctx := context.Background()
	current, err := p.parseSession(token)
	if err != nil {
		if p.logg != nil {
			p.logg.Debug(ctx, "session did not resolve")
		}
		sub.deliver(nil)
		return
	}

	// Registered before the open check: a sign-out that races the check
	// either fails it or finds this subscription in revokeLocal.
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	if p.subs[current.AccessID] == nil {
		p.subs[current.AccessID] = make(map[uint64]*subscription)
	}
	p.subs[current.AccessID][id] = sub
	p.mu.Unlock()
	detach := func() { p.detach(current.AccessID, id) }

	if err := p.checkOpen(ctx, current.AccessID); err != nil {
		if p.logg != nil {
			p.logg.Debug(p.logg.WithSessionID(ctx, current.AccessID), "session not open")
		}
		detach()
		sub.deliver(nil)
		return
	}

	sub.mu.Lock()
	if sub.cancelled || sub.ended {
		sub.mu.Unlock()
		detach()
		return
	}
	sub.detach = detach
	if !current.ExpiresAt.IsZero() {
		sub.timer = time.AfterFunc(time.Until(current.ExpiresAt), func() {
			detach()
			sub.deliver(nil)
		})
	}
	sub.mu.Unlock()

	sub.deliver(current)
}

func (p *Provider) detach(accessID string, id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.subs[accessID], id)
	if len(p.subs[accessID]) == 0 {
		delete(p.subs, accessID)
	}
}

// Listening reports how many listeners are bound to a resolved session.
func (p *Provider) Listening() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, group := range p.subs {
		n += len(group)
	}
	return n
}

func (p *Provider) revokeLocal(accessID string) {
	p.mu.Lock()
	group := p.subs[accessID]
	delete(p.subs, accessID)
	p.mu.Unlock()

	for _, sub := range group {
		sub.deliver(nil)
	}
}

func (p *Provider) onRevocation(ctx context.Context, payload []byte) {
	var msg revocation
	if err := json.Unmarshal(payload, &msg); err != nil || msg.AccessID == "" {
		if p.logg != nil {
			p.logg.Warn(ctx, "dropping malformed revocation notice")
		}
		return
	}
	p.revokeLocal(msg.AccessID)
}
