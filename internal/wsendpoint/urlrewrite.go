package wsendpoint

import "net/url"

// rewriteControllerURL replaces the scheme+host of a controller-issued
// URL with the configured gateway base, keeping the path and query
// untouched (spec.md §4.5's "rewrite the url field ... to the gateway
// form"). Malformed input or an unset gateway base is returned as-is
// rather than failing the whole Action message over a cosmetic field.
func rewriteControllerURL(rawURL, gatewayBase string) string {
	if rawURL == "" || gatewayBase == "" {
		return rawURL
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	gw, err := url.Parse(gatewayBase)
	if err != nil {
		return rawURL
	}

	u.Scheme = gw.Scheme
	u.Host = gw.Host
	return u.String()
}
