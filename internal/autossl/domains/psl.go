package domains

import (
	"context"

	"golang.org/x/net/publicsuffix"
)

// PSLChecker answers public-suffix membership from the compiled-in public
// suffix list. A candidate is a registered TLD exactly when it equals its own
// public suffix.
type PSLChecker struct{}

func (PSLChecker) IsRegisteredTLD(_ context.Context, candidate string) (bool, error) {
	suffix, _ := publicsuffix.PublicSuffix(candidate)
	return suffix == candidate, nil
}
