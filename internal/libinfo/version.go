/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package libinfo resolves the version of the go-admission module the running binary is built with.
package libinfo

import (
	"debug/buildinfo"
	"regexp"
	"runtime/debug"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const libShortName = "go-admission"

// ModuleName is the go-admission module path.
const ModuleName = "github.com/acronis/" + libShortName

// PrometheusLibVersionLabel is a constant label attached to the rate limiter metrics.
const PrometheusLibVersionLabel = "go_admission_version"

const unknownVersion = "v0.0.0"

// AddPrometheusLibVersionLabel returns a copy of labels with the library version label added.
func AddPrometheusLibVersionLabel(labels prometheus.Labels) prometheus.Labels {
	labelsCopy := make(prometheus.Labels, len(labels)+1)
	for k, v := range labels {
		labelsCopy[k] = v
	}
	labelsCopy[PrometheusLibVersionLabel] = GetLibVersion()
	return labelsCopy
}

var libVersion string
var libVersionOnce sync.Once

// GetLibVersion returns the module version or "v0.0.0" if it cannot be determined (e.g. in tests).
func GetLibVersion() string {
	libVersionOnce.Do(initLibVersion)
	return libVersion
}

func initLibVersion() {
	if buildInfo, ok := debug.ReadBuildInfo(); ok {
		libVersion = extractLibVersion(buildInfo, ModuleName)
	}
	if libVersion == "" {
		libVersion = unknownVersion
	}
}

// extractLibVersion looks for the module among the main module and dependencies.
// Module path may have a major version suffix ("/vX").
// "(devel)" version of the main module is treated as unknown.
func extractLibVersion(buildInfo *buildinfo.BuildInfo, modName string) string {
	if buildInfo == nil {
		return ""
	}
	re, err := regexp.Compile(`^` + regexp.QuoteMeta(modName) + `(/v[0-9]+)?$`)
	if err != nil {
		return "" // should never happen
	}
	if re.MatchString(buildInfo.Main.Path) && buildInfo.Main.Version != "(devel)" {
		return buildInfo.Main.Version
	}
	for _, dep := range buildInfo.Deps {
		if re.MatchString(dep.Path) {
			return dep.Version
		}
	}
	return ""
}
