// Package drivertest provides a scripted in-memory driver for tests.
package drivertest

import (
	"context"
	"strconv"
	"sync"

	"financehub/internal/domain"
)

// Driver is a fake domain.Driver. Zero value succeeds on every call with
// empty results; set the function fields to script behavior. Call counts are
// safe for concurrent use.
type Driver struct {
	LoginFunc     func(ctx context.Context, credentialsRef string) (domain.LoginResult, error)
	ExtendFunc    func(ctx context.Context, token domain.SessionToken) error
	FetchPageFunc func(ctx context.Context, token domain.SessionToken, accountID, cursor string) (domain.Page, error)
	LogoutFunc    func(ctx context.Context, token domain.SessionToken) error

	mu          sync.Mutex
	loginCalls  int
	extendCalls int
	fetchCalls  int
	logoutCalls int
}

var _ domain.Driver = (*Driver)(nil)

func (d *Driver) Login(ctx context.Context, credentialsRef string) (domain.LoginResult, error) {
	d.count(&d.loginCalls)
	if d.LoginFunc != nil {
		return d.LoginFunc(ctx, credentialsRef)
	}
	return domain.LoginResult{Token: "fake-token"}, nil
}

func (d *Driver) Extend(ctx context.Context, token domain.SessionToken) error {
	d.count(&d.extendCalls)
	if d.ExtendFunc != nil {
		return d.ExtendFunc(ctx, token)
	}
	return nil
}

func (d *Driver) FetchPage(ctx context.Context, token domain.SessionToken, accountID, cursor string) (domain.Page, error) {
	d.count(&d.fetchCalls)
	if d.FetchPageFunc != nil {
		return d.FetchPageFunc(ctx, token, accountID, cursor)
	}
	return domain.Page{}, nil
}

func (d *Driver) Logout(ctx context.Context, token domain.SessionToken) error {
	d.count(&d.logoutCalls)
	if d.LogoutFunc != nil {
		return d.LogoutFunc(ctx, token)
	}
	return nil
}

func (d *Driver) count(field *int) {
	d.mu.Lock()
	*field++
	d.mu.Unlock()
}

func (d *Driver) LoginCalls() int  { return d.calls(&d.loginCalls) }
func (d *Driver) ExtendCalls() int { return d.calls(&d.extendCalls) }
func (d *Driver) FetchCalls() int  { return d.calls(&d.fetchCalls) }
func (d *Driver) LogoutCalls() int { return d.calls(&d.logoutCalls) }

func (d *Driver) calls(field *int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return *field
}

// PagedDriver returns a Driver whose FetchPage walks the given pages in
// order, handing out cursors "1", "2", ... and finishing with an empty cursor.
func PagedDriver(pages []domain.Page) *Driver {
	d := &Driver{}
	d.FetchPageFunc = func(_ context.Context, _ domain.SessionToken, _ string, cursor string) (domain.Page, error) {
		idx := 0
		if cursor != "" {
			for i := range pages {
				if cursorFor(i) == cursor {
					idx = i
					break
				}
			}
		}
		if idx >= len(pages) {
			return domain.Page{}, nil
		}
		page := pages[idx]
		if idx+1 < len(pages) {
			page.NextCursor = cursorFor(idx + 1)
		} else {
			page.NextCursor = ""
		}
		return page, nil
	}
	return d
}

func cursorFor(i int) string {
	return strconv.Itoa(i)
}
