package multicast

import "strings"

// BuildID constructs a hierarchical multicast id of the form
// "providerId/name[/partition]*", the identifier carried as an envelope's
// recipient for multicast-type envelopes.
func BuildID(providerID, name string, partitions ...string) string {
	parts := append([]string{providerID, name}, partitions...)
	return strings.Join(parts, "/")
}

// ExtractProviderID returns the leading providerId segment of a multicast
// id previously built with BuildID.
func ExtractProviderID(multicastID string) string {
	if i := strings.IndexByte(multicastID, '/'); i >= 0 {
		return multicastID[:i]
	}
	return multicastID
}

// StripProviderID returns the multicast id with its leading "providerId/"
// segment removed, i.e. the "name[/partition]*" pattern a Directory
// registration is keyed on under that provider.
func StripProviderID(multicastID string) string {
	if i := strings.IndexByte(multicastID, '/'); i >= 0 {
		return multicastID[i+1:]
	}
	return ""
}
