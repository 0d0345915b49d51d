// SPDX-License-Identifier: MIT

package encoder

import (
	"strings"

	"github.com/clipforge/clipforge/internal/types"
)

// BuildArgs assembles the encoder command line for one invocation. The
// parameter payload is opaque to the scheduler; only the keys understood for
// the requested class are honoured here, everything else is ignored.
func BuildArgs(req Request) []string {
	args := []string{"-hide_banner", "-nostdin", "-y"}

	switch req.Class {
	case types.ClassThumbnail:
		if off := req.Params["offset"]; off != "" {
			args = append(args, "-ss", off)
		}
		args = append(args, "-i", req.InputPath, "-frames:v", "1", "-q:v", "2")
		if res := req.Params["resolution"]; res != "" {
			args = append(args, "-vf", "scale="+res)
		}

	case types.ClassMetadata:
		args = append(args, "-i", req.InputPath, "-f", "ffmetadata")

	case types.ClassTranscode:
		args = append(args, "-i", req.InputPath)
		if vc := req.Params["video_codec"]; vc != "" {
			args = append(args, "-c:v", vc)
		}
		if ac := req.Params["audio_codec"]; ac != "" {
			args = append(args, "-c:a", ac)
		}
		if preset := req.Params["preset"]; preset != "" {
			args = append(args, "-preset", preset)
		}
		if res := req.Params["resolution"]; res != "" {
			args = append(args, "-vf", "scale="+res)
		}
		if format := req.Params["format"]; format != "" {
			args = append(args, "-f", format)
		}

	default: // generic file processing
		args = append(args, "-i", req.InputPath)
		if extra := req.Params["args"]; extra != "" {
			args = append(args, strings.Fields(extra)...)
		}
	}

	return append(args, req.OutputPath)
}
