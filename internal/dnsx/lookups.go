package dnsx

import (
	"fmt"
	"net"

	"github.com/modfin/henry/slicez"
	"github.com/openhire/courier/tools"
)

// MXLookup resolves the mail servers, in preference order, for an email
// address. Swappable in tests.
type MXLookup func(email string) ([]string, error)

func LookupEmailMX(email string) ([]string, error) {
	domain, err := tools.DomainOfEmail(email)
	if err != nil {
		return nil, err
	}

	recs, err := net.LookupMX(domain)
	if err != nil {
		return nil, fmt.Errorf("could not resolve mx for %s, %w", domain, err)
	}
	slicez.SortFunc(recs, func(i, j *net.MX) bool {
		return i.Pref < j.Pref
	})
	servers := slicez.Map(recs, func(rec *net.MX) string {
		return rec.Host + ":25"
	})
	if len(servers) == 0 {
		return nil, fmt.Errorf("no mx servers found for %s", domain)
	}
	return servers, nil
}
