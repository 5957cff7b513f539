package metrics

import (
	"regexp"
	"strings"
)

var (
	digits = regexp.MustCompile(`^\d+$`)
	hex40  = regexp.MustCompile(`^[0-9a-fA-F]{40}$`)
)

// accountID requires a non-empty run of digits once CR/LF are stripped.
func accountID(raw Params) (Params, error) {
	id := strings.NewReplacer("\r", "", "\n", "").Replace(raw["accountId"])
	if !digits.MatchString(id) {
		return nil, &ValidationError{Param: "accountId", Message: "accountId must be a positive integer"}
	}
	return Params{"accountId": id}, nil
}

// optionalAccount accepts an absent account or a 20-byte hex address with
// or without the 0x prefix, and normalizes it to 0x-prefixed form.
func optionalAccount(raw Params) (Params, error) {
	acct := strings.TrimSpace(raw["account"])
	if acct == "" {
		return Params{}, nil
	}
	acct = strings.TrimPrefix(strings.TrimPrefix(acct, "0x"), "0X")
	if !hex40.MatchString(acct) {
		return nil, &ValidationError{Param: "account", Message: "account must be a 20-byte hex address"}
	}
	return Params{"account": "0x" + acct}, nil
}

var (
	tvl420Networks = []string{"cross", "ethereum", "optimism"}
	tvl420Spans    = []string{"hourly", "daily", "weekly", "monthly"}
)

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func networkAndSpan(raw Params) (Params, error) {
	network, span := raw["network"], raw["span"]
	if !contains(tvl420Networks, network) || !contains(tvl420Spans, span) {
		return nil, &ValidationError{Message: "Invalid network or span."}
	}
	return Params{"network": network, "span": span}, nil
}
