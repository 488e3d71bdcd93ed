package rules

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var (
	ErrInvalidSecurity = errors.New("rules: invalid security code")
	ErrNotTradable     = errors.New("rules: security not in tradable universe")
)

// codeRegex matches a six-digit A-share code with an optional exchange
// suffix. Examples: 600703, 000063.SZ, 688256.sh
var codeRegex = regexp.MustCompile(`^(\d{6})(?:\.(SH|SZ|sh|sz))?$`)

// DefaultSecurities is the fixed competition universe.
var DefaultSecurities = map[string]string{
	"000063": "中兴通讯",
	"300750": "宁德时代",
	"600703": "三安光电",
	"002594": "比亚迪",
	"688256": "寒武纪",
	"600276": "恒瑞医药",
}

// ParseSecurity validates a security code and returns its bare six-digit
// form.
func ParseSecurity(code string) (string, error) {
	m := codeRegex.FindStringSubmatch(strings.TrimSpace(code))
	if m == nil {
		return "", fmt.Errorf("%w: %q (expected six digits, optional .SH/.SZ)", ErrInvalidSecurity, code)
	}
	return m[1], nil
}

// FullCode returns the code with its exchange suffix: Shenzhen for the
// 000/002/300 boards, Shanghai otherwise.
func FullCode(code string) string {
	if strings.HasPrefix(code, "000") || strings.HasPrefix(code, "002") || strings.HasPrefix(code, "300") {
		return code + ".SZ"
	}
	return code + ".SH"
}

// Universe is the immutable set of tradable securities.
type Universe struct {
	names map[string]string
	codes []string
}

// NewUniverse builds a universe from code → display name. Codes are
// normalized with ParseSecurity.
func NewUniverse(securities map[string]string) (*Universe, error) {
	u := &Universe{names: make(map[string]string, len(securities))}
	for code, name := range securities {
		c, err := ParseSecurity(code)
		if err != nil {
			return nil, err
		}
		u.names[c] = name
		u.codes = append(u.codes, c)
	}
	sort.Strings(u.codes)
	return u, nil
}

// Contains reports whether code is tradable.
func (u *Universe) Contains(code string) bool {
	c, err := ParseSecurity(code)
	if err != nil {
		return false
	}
	_, ok := u.names[c]
	return ok
}

// Resolve validates code and checks it is in the universe.
func (u *Universe) Resolve(code string) (string, error) {
	c, err := ParseSecurity(code)
	if err != nil {
		return "", err
	}
	if _, ok := u.names[c]; !ok {
		return "", fmt.Errorf("%w: %s", ErrNotTradable, c)
	}
	return c, nil
}

// Name returns the display name, or the code itself if unknown.
func (u *Universe) Name(code string) string {
	if n, ok := u.names[code]; ok && n != "" {
		return n
	}
	return code
}

// Codes returns the sorted security codes.
func (u *Universe) Codes() []string {
	out := make([]string, len(u.codes))
	copy(out, u.codes)
	return out
}
