package domain

import "context"

// InstitutionKind is the closed set of connection types. It is resolved once
// when the institution is registered, never by matching channel strings at
// call time.
type InstitutionKind int

const (
	KindUnknown InstitutionKind = iota
	KindBank
	KindCard
	KindBlog
)

func (k InstitutionKind) String() string {
	switch k {
	case KindBank:
		return "bank"
	case KindCard:
		return "card"
	case KindBlog:
		return "blog"
	default:
		return "unknown"
	}
}

// ParseInstitutionKind maps a stored kind name back to the enum.
func ParseInstitutionKind(s string) InstitutionKind {
	switch s {
	case "bank":
		return KindBank
	case "card":
		return KindCard
	case "blog":
		return KindBlog
	default:
		return KindUnknown
	}
}

// SessionToken is the opaque handle a driver hands back on login. The
// orchestrator never inspects it.
type SessionToken string

// RawRecord is one scraped row exactly as the driver saw it. Amount and
// balance are unparsed strings; Marker carries the source's debit/credit
// indicator when amounts are unsigned.
type RawRecord struct {
	Date         string
	Time         string
	Type         string
	Description  string
	Counterparty string
	Amount       string
	Marker       string
	Balance      string
	Metadata     map[string]string
}

// Page is one batch of scraped records. An empty NextCursor means the source
// is exhausted.
type Page struct {
	Records    []RawRecord
	NextCursor string
}

// LoginResult is the outcome of a successful driver login.
type LoginResult struct {
	Token    SessionToken
	Accounts []AccountSnapshot
}

// Driver is the per-institution adapter that performs the actual automated
// browser work. Implementations live outside this module; every call carries
// a caller-supplied timeout via ctx.
type Driver interface {
	Login(ctx context.Context, credentialsRef string) (LoginResult, error)
	Extend(ctx context.Context, token SessionToken) error
	FetchPage(ctx context.Context, token SessionToken, accountID, cursor string) (Page, error)
	Logout(ctx context.Context, token SessionToken) error
}
