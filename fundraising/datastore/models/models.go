package models

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"strings"
	"time"
)

// User roles.
const (
	UserRoleAdmin      = "ADMIN"
	UserRoleUser       = "USER"
	UserRoleFundraiser = "FUNDRAISER"
)

// Project statuses.
const (
	ProjectStatusActive    = "ACTIVE"
	ProjectStatusClosed    = "CLOSED"
	ProjectStatusCancelled = "CANCELLED"
)

// Donation payment statuses.
const (
	PaymentStatusPending   = "PENDING"
	PaymentStatusPaid      = "PAID"
	PaymentStatusExpired   = "EXPIRED"
	PaymentStatusFailed    = "FAILED"
	PaymentStatusCancelled = "CANCELLED"
)

// Donation payment methods.
const (
	PaymentMethodInvoice        = "INVOICE"
	PaymentMethodVirtualAccount = "VIRTUAL_ACCOUNT"
	PaymentMethodEWallet        = "EWALLET"
	PaymentMethodCard           = "CARD"
)

// ImageList maps a PostgreSQL text[] column without requiring array support
// from the driver. It implements sql/driver.Valuer and sql.Scanner, allowing
// pgx to use the PostgreSQL simple protocol.
type ImageList []string

// Value returns the list serialized in PostgreSQL array literal syntax.
func (l ImageList) Value() (driver.Value, error) {
	if len(l) == 0 {
		return "{}", nil
	}

	var b strings.Builder
	b.WriteByte('{')
	for i, s := range l {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('"')
		b.WriteString(strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s))
		b.WriteByte('"')
	}
	b.WriteByte('}')

	return b.String(), nil
}

// Scan parses a PostgreSQL array literal into the list.
func (l *ImageList) Scan(src interface{}) error {
	var in string
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case string:
		in = v
	case []byte:
		in = string(v)
	default:
		return fmt.Errorf("unsupported source type %T for image list", src)
	}

	elems, err := parseArrayLiteral(in)
	if err != nil {
		return err
	}
	*l = elems

	return nil
}

func parseArrayLiteral(in string) ([]string, error) {
	if len(in) < 2 || in[0] != '{' || in[len(in)-1] != '}' {
		return nil, fmt.Errorf("malformed array literal %q", in)
	}
	body := in[1 : len(in)-1]
	if body == "" {
		return []string{}, nil
	}

	var (
		elems   []string
		current strings.Builder
		quoted  bool
		escaped bool
	)
	flush := func() {
		elems = append(elems, current.String())
		current.Reset()
	}
	for _, r := range body {
		switch {
		case escaped:
			current.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == '"':
			quoted = !quoted
		case r == ',' && !quoted:
			flush()
		default:
			current.WriteRune(r)
		}
	}
	if quoted || escaped {
		return nil, fmt.Errorf("malformed array literal %q", in)
	}
	flush()

	return elems, nil
}

// User represents an account on the platform. Fundraisers own projects,
// regular users donate to them.
type User struct {
	ID        string
	Name      string
	Email     string
	Password  string
	Role      string
	CreatedAt time.Time
	UpdatedAt sql.NullTime
}

// Project represents a fundraising campaign.
type Project struct {
	ID            string
	Title         string
	Description   string
	Images        ImageList
	TargetAmount  int64
	CurrentAmount int64
	StartDate     time.Time
	EndDate       time.Time
	Status        string
	FundraiserID  string
	CreatedAt     time.Time
	UpdatedAt     sql.NullTime
}

// TargetReached identifies whether the project collected its target amount.
func (p *Project) TargetReached() bool {
	return p.CurrentAmount >= p.TargetAmount
}

// Projects is a slice of Project pointers.
type Projects []*Project

// Donation represents a single payment towards a project. Anonymous
// donations carry no user reference.
type Donation struct {
	ID            string
	Amount        int64
	PaymentStatus string
	PaymentMethod sql.NullString
	ProjectID     string
	UserID        sql.NullString
	CreatedAt     time.Time
	UpdatedAt     sql.NullTime
}

// Anonymous identifies whether the donation was made without an account.
func (d *Donation) Anonymous() bool {
	return !d.UserID.Valid
}

// Donations is a slice of Donation pointers.
type Donations []*Donation
