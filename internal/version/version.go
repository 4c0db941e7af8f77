/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package version

import (
	"runtime"
	"runtime/debug"
	"strconv"
	"time"
)

const (
	DevelopmentVersion = "dev"
)

// Set at link time with -ldflags "-X".
var (
	ProductVersion = DevelopmentVersion
	CommitHash     = ""
	BuildTimestamp = ""
)

type VersionOutput struct {
	Version    string     `json:"version" yaml:"version"`
	CommitHash string     `json:"commitHash,omitempty" yaml:"commitHash,omitempty"`
	BuildTime  *time.Time `json:"buildTimestamp,omitempty" yaml:"buildTimestamp,omitempty"`
	GoVersion  string     `json:"goVersion" yaml:"goVersion"`
}

func Version() VersionOutput {
	out := VersionOutput{
		Version:    ProductVersion,
		CommitHash: CommitHash,
		BuildTime:  parseBuildTimestamp(BuildTimestamp),
		GoVersion:  runtime.Version(),
	}
	if out.Version == "" {
		out.Version = DevelopmentVersion
	}

	// Builds from a source checkout carry VCS information even without link-time values.
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			switch setting.Key {
			case "vcs.revision":
				if out.CommitHash == "" {
					out.CommitHash = setting.Value
				}
			case "vcs.time":
				if out.BuildTime == nil {
					out.BuildTime = parseBuildTimestamp(setting.Value)
				}
			}
		}
	}

	return out
}

// Accepts either Unix seconds or an RFC 3339 time.
func parseBuildTimestamp(value string) *time.Time {
	if value == "" {
		return nil
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		t := time.Unix(seconds, 0).UTC()
		return &t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return &t
	}
	return nil
}
