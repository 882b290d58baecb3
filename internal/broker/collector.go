package broker

import (
	"net/url"
	"strings"
)

// ProjectForCollector maps a collector ID to its archive project: RIPE RIS
// collectors are named rrcNN, everything else the broker serves is a
// RouteViews collector.
func ProjectForCollector(collector string) string {
	if strings.HasPrefix(collector, "rrc") {
		return "riperis"
	}
	return "route-views"
}

// InferCollector derives (project, collector) from an archive URL or local
// path, following the RIS and RouteViews layout conventions where the
// collector name is a path component. The flagship RouteViews collector
// lives at the archive root without a name component. Unknown layouts
// return ("unknown", "unknown").
func InferCollector(ref string) (project, collector string) {
	path := ref
	if u, err := url.Parse(ref); err == nil && u.Path != "" {
		path = u.Path
	}
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		if strings.HasPrefix(part, "rrc") {
			return "riperis", part
		}
		if strings.HasPrefix(part, "route-views") {
			return "route-views", part
		}
	}
	if strings.Contains(ref, "routeviews.org") {
		return "route-views", "route-views2"
	}
	return "unknown", "unknown"
}
