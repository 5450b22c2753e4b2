package matcher

// DefaultBypass is the bypass tree used when no bypass_rules are
// configured. It exempts the endpoints that must stay reachable without
// a session: public factory reads, public metrics, API docs, builder
// artifact downloads, the authentication entry point itself, user
// settings and permission listings.
func DefaultBypass() *Node {
	return Or(
		And(
			UriPrefix("/api/factory"),
			Method("GET"),
			Or(
				PathSegmentValue(4, "image"),
				PathSegmentValue(4, "snippet"),
				And(
					// /api/factory/{id}
					PathSegmentCount(3),
					Not(UriPrefix("/api/factory/find")),
				),
			),
		),
		UriPrefix("/api/analytics/public-metric"),
		UriPrefix("/api/docs"),
		MustRegex(`^/api/builder/(\w+)/download/(.+)$`),
		And(
			UriPrefix("/api/oauth/authenticate"),
			Predicate(func(r Request) bool { return r.QueryParam("userId") == "" }),
		),
		UriPrefix("/api/user/settings"),
		And(
			MustRegex(`^/api/permissions$`),
			Method("GET"),
		),
	)
}
