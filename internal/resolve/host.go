package resolve

import "strings"

// NormalizeHost collapses a host with four or more dot-separated labels to
// its rightmost three, per the specification's host normalization rule
// (e.g. "www.i.imgur.com" and "i.imgur.com" compare equal after
// normalization).
func NormalizeHost(host string) string {
	host = strings.ToLower(host)
	labels := strings.Split(host, ".")
	if len(labels) >= 4 {
		labels = labels[len(labels)-3:]
	}
	return strings.Join(labels, ".")
}
