// Package uiserve serves a server-rendered UI application over HTTP.
//
// A Server strips its mount point and runs each request through an ordered
// dispatch table: a session gate, legacy push script rewrites, an optional
// development server proxy for build assets, static resources resolved by a
// resources.Resolver, the push transport, routes supplied by the embedding
// program and finally the UI handler.
//
//	res, _ := resources.New([]fs.FS{resources.Dir("./web")})
//	srv, err := uiserve.New(
//		uiserve.WithResolver(res),
//		uiserve.WithSessions(sessions.NewManager(memorystore.New())),
//		uiserve.WithUI(ui),
//	)
//
// The binary in cmd/uiserve wires the same pieces from configuration.
package uiserve
