package relay

import "strings"

const (
	newestQuery   = "sorting=newest&size=1"
	requestsPath  = "/requests"
	latestPath    = "/request/latest"
	sortingNewest = "sorting=newest"
)

// NewestFirst appends the most-recent-first, single-item query to a stream
// URL unless it already asks for newest-first sorting.
func NewestFirst(streamURL string) string {
	if strings.Contains(streamURL, sortingNewest) {
		return streamURL
	}
	sep := "?"
	if strings.Contains(streamURL, "?") {
		sep = "&"
	}
	return streamURL + sep + newestQuery
}

// LatestURL rewrites a request-listing URL to the relay's single latest
// request endpoint. URLs without a listing path are returned unchanged.
func LatestURL(streamURL string) string {
	if strings.Contains(streamURL, requestsPath+"?"+newestQuery) {
		return strings.Replace(streamURL, requestsPath+"?"+newestQuery, latestPath, 1)
	}
	return strings.Replace(streamURL, requestsPath, latestPath, 1)
}
