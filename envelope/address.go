package envelope

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/migadu/spoold/consts"
)

var (
	localPartRe  = regexp.MustCompile(`^(?i)(?:[a-z0-9!#$%&'*+/=?^_\{\|\}~-])+(?:\.(?:[a-z0-9!#$%&'*+/=?^_\{\|\}~-])+)*$`)
	domainNameRe = regexp.MustCompile(`^(?i)(?:[a-z0-9](?:[a-z0-9-]*[a-z0-9])?\.)*[a-z0-9](?:[a-z0-9-]*[a-z0-9])?$`)
)

// Address is a normalized (lowercased) mailbox address. The zero value is
// not a valid address; the null reverse-path is represented by a nil
// *Address on the envelope instead.
type Address struct {
	localPart string
	domain    string
}

// ParseAddress validates and normalizes an address such as
// "User+tag@Example.com". Surrounding angle brackets are accepted.
func ParseAddress(input string) (Address, error) {
	input = strings.ToLower(strings.TrimSpace(input))
	input = strings.TrimSuffix(strings.TrimPrefix(input, "<"), ">")

	if input == "" {
		return Address{}, fmt.Errorf("%w: address is empty", consts.ErrInvalidAddress)
	}
	if strings.ContainsAny(input, " \t\r\n") {
		return Address{}, fmt.Errorf("%w: address contains whitespace: '%s'", consts.ErrInvalidAddress, input)
	}

	at := strings.LastIndex(input, "@")
	if at <= 0 || at == len(input)-1 {
		return Address{}, fmt.Errorf("%w: address must be local@domain: '%s'", consts.ErrInvalidAddress, input)
	}
	localPart, domain := input[:at], input[at+1:]

	if !localPartRe.MatchString(localPart) {
		return Address{}, fmt.Errorf("%w: unacceptable local part: '%s'", consts.ErrInvalidAddress, localPart)
	}
	if !domainNameRe.MatchString(domain) {
		return Address{}, fmt.Errorf("%w: unacceptable domain: '%s'", consts.ErrInvalidAddress, domain)
	}

	return Address{localPart: localPart, domain: domain}, nil
}

// MustParseAddress is ParseAddress for literals; it panics on invalid input.
func MustParseAddress(input string) Address {
	a, err := ParseAddress(input)
	if err != nil {
		panic(err)
	}
	return a
}

// ParseAddressList parses a comma separated list of addresses.
func ParseAddressList(list string) ([]Address, error) {
	var out []Address
	for _, part := range strings.Split(list, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		a, err := ParseAddress(part)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (a Address) String() string {
	if a.IsZero() {
		return ""
	}
	return a.localPart + "@" + a.domain
}

func (a Address) LocalPart() string { return a.localPart }
func (a Address) Domain() string    { return a.domain }
func (a Address) IsZero() bool      { return a.localPart == "" && a.domain == "" }

// Detail returns the sub-address after "+", if any.
func (a Address) Detail() string {
	if i := strings.Index(a.localPart, "+"); i != -1 {
		return a.localPart[i+1:]
	}
	return ""
}

// BaseAddress returns the address without its +detail part.
func (a Address) BaseAddress() string {
	local := a.localPart
	if i := strings.Index(local, "+"); i != -1 {
		local = local[:i]
	}
	return local + "@" + a.domain
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
