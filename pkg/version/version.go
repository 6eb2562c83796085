// Package version holds build metadata injected with -ldflags:
//
//	go build -ldflags "-X github.com/NicolasHaas/dropfour/pkg/version.tag=v1.0.0
//	  -X github.com/NicolasHaas/dropfour/pkg/version.commit=abc1234
//	  -X github.com/NicolasHaas/dropfour/pkg/version.date=2026-01-01"
package version

var (
	tag    = ""
	commit = "unknown"
	date   = "unknown"
)

// String returns the tag, the commit, or "dev" for local builds.
func String() string {
	switch {
	case tag != "":
		return tag
	case commit != "unknown":
		return commit
	}
	return "dev"
}

// Full adds commit and build date to String when they are known.
func Full() string {
	switch {
	case tag != "":
		return tag + " (" + commit + ") built " + date
	case commit != "unknown":
		return commit + " built " + date
	}
	return "dev"
}
