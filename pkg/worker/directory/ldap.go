package directory

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/pumpingstationone/deepharbor/internal/logger"
	"github.com/pumpingstationone/deepharbor/pkg/config"
)

// accountDisabled is the ACCOUNTDISABLE bit of userAccountControl.
const accountDisabled = 0x0002

// ldapTimeFormat is the generalized-time form of the rootDSE currentTime
// attribute.
const ldapTimeFormat = "20060102150405.0Z"

// LDAP is a Directory implementation over an LDAP server. A fresh connection
// is opened per operation; the worker is low-volume and a held connection
// would only rot between changes.
type LDAP struct {
	cfg config.DirectoryConfig
}

var _ Directory = (*LDAP)(nil)

// NewLDAP creates a directory client from the worker configuration.
func NewLDAP(cfg config.DirectoryConfig) *LDAP {
	return &LDAP{cfg: cfg}
}

func (l *LDAP) connect(ctx context.Context) (*ldap.Conn, error) {
	conn, err := ldap.DialURL(l.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial directory %s (%v): %w", l.cfg.URL, err, ErrUnavailable)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetTimeout(time.Until(deadline))
	}

	if err := conn.Bind(l.cfg.BindDN, l.cfg.Password); err != nil {
		conn.Close()
		if ldap.IsErrorWithCode(err, ldap.ErrorNetwork) {
			return nil, fmt.Errorf("failed to bind as %s (%v): %w", l.cfg.BindDN, err, ErrUnavailable)
		}
		return nil, fmt.Errorf("failed to bind as %s: %w", l.cfg.BindDN, err)
	}

	return conn, nil
}

// findUser returns the DN and requested attributes of the account with the
// given sAMAccountName.
func (l *LDAP) findUser(conn *ldap.Conn, username string, attrs ...string) (*ldap.Entry, error) {
	req := ldap.NewSearchRequest(
		l.cfg.UserBaseDN,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		1, 0, false,
		fmt.Sprintf("(sAMAccountName=%s)", ldap.EscapeFilter(username)),
		attrs,
		nil,
	)

	res, err := conn.Search(req)
	if err != nil {
		return nil, fmt.Errorf("failed to search for %s: %w", username, err)
	}
	if len(res.Entries) == 0 {
		return nil, fmt.Errorf("%s: %w", username, ErrUserNotFound)
	}

	return res.Entries[0], nil
}

// SetEnabled flips the ACCOUNTDISABLE bit on the account.
func (l *LDAP) SetEnabled(ctx context.Context, username string, enabled bool) error {
	conn, err := l.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	entry, err := l.findUser(conn, username, "userAccountControl")
	if err != nil {
		return err
	}

	uac, err := strconv.Atoi(entry.GetAttributeValue("userAccountControl"))
	if err != nil {
		return fmt.Errorf("account %s has malformed userAccountControl: %w", username, err)
	}

	if enabled {
		uac &^= accountDisabled
	} else {
		uac |= accountDisabled
	}

	mod := ldap.NewModifyRequest(entry.DN, nil)
	mod.Replace("userAccountControl", []string{strconv.Itoa(uac)})
	if err := conn.Modify(mod); err != nil {
		return fmt.Errorf("failed to update account control for %s: %w", username, err)
	}

	logger.Info("account state updated",
		logger.KeyUsername, username,
		"enabled", enabled)
	return nil
}

// Groups returns the CN of every group the user belongs to.
func (l *LDAP) Groups(ctx context.Context, username string) ([]string, error) {
	conn, err := l.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	entry, err := l.findUser(conn, username, "memberOf")
	if err != nil {
		return nil, err
	}

	var groups []string
	for _, dn := range entry.GetAttributeValues("memberOf") {
		if cn, ok := firstCN(dn); ok {
			groups = append(groups, cn)
		}
	}
	return groups, nil
}

// AddToGroup adds the user's DN to the group's member attribute.
func (l *LDAP) AddToGroup(ctx context.Context, username, group string) error {
	return l.modifyMembership(ctx, username, group, true)
}

// RemoveFromGroup removes the user's DN from the group's member attribute.
func (l *LDAP) RemoveFromGroup(ctx context.Context, username, group string) error {
	return l.modifyMembership(ctx, username, group, false)
}

func (l *LDAP) modifyMembership(ctx context.Context, username, group string, add bool) error {
	conn, err := l.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	entry, err := l.findUser(conn, username)
	if err != nil {
		return err
	}

	groupDN := fmt.Sprintf("CN=%s,%s", ldap.EscapeDN(group), l.cfg.GroupBaseDN)

	mod := ldap.NewModifyRequest(groupDN, nil)
	if add {
		mod.Add("member", []string{entry.DN})
	} else {
		mod.Delete("member", []string{entry.DN})
	}

	if err := conn.Modify(mod); err != nil {
		verb := "remove from"
		if add {
			verb = "add to"
		}
		return fmt.Errorf("failed to %s group %s for %s: %w", verb, group, username, err)
	}

	logger.Info("group membership updated",
		logger.KeyUsername, username,
		logger.KeyGroup, group,
		"added", add)
	return nil
}

// CurrentTime reads the rootDSE clock, mostly used as a connectivity probe.
func (l *LDAP) CurrentTime(ctx context.Context) (time.Time, error) {
	conn, err := l.connect(ctx)
	if err != nil {
		return time.Time{}, err
	}
	defer conn.Close()

	req := ldap.NewSearchRequest(
		"",
		ldap.ScopeBaseObject,
		ldap.NeverDerefAliases,
		1, 0, false,
		"(objectClass=*)",
		[]string{"currentTime"},
		nil,
	)

	res, err := conn.Search(req)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read rootDSE: %w", err)
	}
	if len(res.Entries) == 0 {
		return time.Time{}, fmt.Errorf("directory returned no rootDSE entry")
	}

	raw := res.Entries[0].GetAttributeValue("currentTime")
	t, err := time.Parse(ldapTimeFormat, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed directory time %q: %w", raw, err)
	}
	return t, nil
}

// firstCN extracts the leading CN component of a DN.
func firstCN(dn string) (string, bool) {
	first, _, _ := strings.Cut(dn, ",")
	if cn, ok := strings.CutPrefix(first, "CN="); ok {
		return cn, true
	}
	return "", false
}
