package stdio

import (
	"fmt"
	"os/user"

	"github.com/ggoodman/mcp-session-go/auth"
)

// UserProvider names the local peer. No credentials cross a stdio pipe, so the
// identity comes from the host environment.
type UserProvider interface {
	CurrentUserID() (string, error)
}

// OSUserProvider reports the login name of the account running the process,
// or its numeric uid when the name is unavailable.
type OSUserProvider struct{}

func (OSUserProvider) CurrentUserID() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", err
	}
	if u.Username != "" {
		return u.Username, nil
	}
	return u.Uid, nil
}

// StaticUser is a UserProvider that always returns the same id.
type StaticUser string

func (s StaticUser) CurrentUserID() (string, error) { return string(s), nil }

// CurrentUser resolves the principal for a stdio session.
func CurrentUser(up UserProvider) (auth.UserInfo, error) {
	id, err := up.CurrentUserID()
	if err != nil {
		return nil, fmt.Errorf("resolve stdio user: %w", err)
	}
	return localUser(id), nil
}

type localUser string

func (u localUser) UserID() string       { return string(u) }
func (u localUser) Claims(ref any) error { return nil }
