// Package actor holds the token of the user currently in control of a node.
package actor

import (
	"fmt"
	"sync"

	runcontrol "github.com/goliatone/go-runcontrol"
)

// Actor is safe for concurrent use.
type Actor struct {
	mu    sync.Mutex
	token runcontrol.Token
}

// New starts with token in control. A zero token means nobody is.
func New(token runcontrol.Token) *Actor {
	return &Actor{token: token}
}

func (a *Actor) Token() runcontrol.Token {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.token
}

func (a *Actor) UserName() string {
	return a.Token().UserName
}

// InControl reports whether token matches the current holder.
func (a *Actor) InControl(token runcontrol.Token) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.token.Equal(token)
}

// TakeControl replaces the holder unconditionally.
func (a *Actor) TakeControl(token runcontrol.Token) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.token = token
}

// SurrenderControl clears the holder. Only the holder may surrender.
func (a *Actor) SurrenderControl(token runcontrol.Token) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.token.Equal(token) {
		return runcontrol.NewError(runcontrol.ErrCannotSurrenderControl,
			fmt.Sprintf("user %q cannot release control held by %q", token.UserName, a.token.UserName), nil,
			map[string]any{"user": token.UserName, "holder": a.token.UserName})
	}
	a.token = runcontrol.Token{}
	return nil
}
