// Package credential supplies the identifiers and token a bridge session
// needs to join a room.
//
// Acquisition itself is out of scope for the bridge: a [Source] is an opaque
// service queried once per session start. [Static] serves values from
// configuration; [Env] reads them from environment variables.
package credential

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// ErrIncomplete is returned when a [Source] produced credentials missing a
// required field.
var ErrIncomplete = errors.New("credential: incomplete credentials")

// Credentials identify the application, room and user for one session.
type Credentials struct {
	AppID  string
	RoomID string
	UserID string
	Token  string
}

// Validate reports an error wrapping [ErrIncomplete] when AppID, RoomID or
// UserID is empty. An empty token is allowed; some engines authenticate by
// other means.
func (c Credentials) Validate() error {
	var missing []error
	if c.AppID == "" {
		missing = append(missing, errors.New("app_id is empty"))
	}
	if c.RoomID == "" {
		missing = append(missing, errors.New("room_id is empty"))
	}
	if c.UserID == "" {
		missing = append(missing, errors.New("user_id is empty"))
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %w", ErrIncomplete, errors.Join(missing...))
	}
	return nil
}

// Source produces credentials. Fetch may block and must honour ctx.
type Source interface {
	Fetch(ctx context.Context) (Credentials, error)
}

// SourceFunc adapts a plain function to the [Source] interface.
type SourceFunc func(ctx context.Context) (Credentials, error)

// Fetch implements [Source].
func (f SourceFunc) Fetch(ctx context.Context) (Credentials, error) { return f(ctx) }

// Static is a [Source] that always returns the same credentials.
type Static Credentials

// Fetch implements [Source].
func (s Static) Fetch(ctx context.Context) (Credentials, error) {
	if err := ctx.Err(); err != nil {
		return Credentials{}, err
	}
	c := Credentials(s)
	if err := c.Validate(); err != nil {
		return Credentials{}, err
	}
	return c, nil
}

// Env is a [Source] that reads credentials from environment variables named
// Prefix+"APP_ID", Prefix+"ROOM_ID", Prefix+"USER_ID" and Prefix+"TOKEN".
// Fields set in Fallback are used for unset variables.
type Env struct {
	Prefix   string
	Fallback Credentials
}

// Fetch implements [Source].
func (e Env) Fetch(ctx context.Context) (Credentials, error) {
	if err := ctx.Err(); err != nil {
		return Credentials{}, err
	}
	c := Credentials{
		AppID:  e.lookup("APP_ID", e.Fallback.AppID),
		RoomID: e.lookup("ROOM_ID", e.Fallback.RoomID),
		UserID: e.lookup("USER_ID", e.Fallback.UserID),
		Token:  e.lookup("TOKEN", e.Fallback.Token),
	}
	if err := c.Validate(); err != nil {
		return Credentials{}, err
	}
	return c, nil
}

func (e Env) lookup(name, fallback string) string {
	if v, ok := os.LookupEnv(e.Prefix + name); ok && v != "" {
		return v
	}
	return fallback
}

var (
	_ Source = Static{}
	_ Source = Env{}
	_ Source = SourceFunc(nil)
)
