// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// LiveStreamer - FFmpeg 直播推流调度工具

package ffmpeg

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Validator decides which destinations the encoder may push to.
type Validator interface {
	IsValid(address string) bool
}

type destinationValidator struct {
	allow []*regexp.Regexp
	block []*regexp.Regexp
}

// NewValidator builds a Validator from allow and block expressions. Block
// wins over allow; no allow expressions means every rtmp(s) URL is allowed.
func NewValidator(allow, block []string) (Validator, error) {
	var err error
	v := &destinationValidator{}
	if v.allow, err = compileAll("allow", allow); err != nil {
		return nil, err
	}
	if v.block, err = compileAll("block", block); err != nil {
		return nil, err
	}
	return v, nil
}

// DefaultOutputValidator accepts any rtmp(s) destination with an app path.
func DefaultOutputValidator() Validator {
	return &destinationValidator{}
}

func compileAll(kind string, exps []string) ([]*regexp.Regexp, error) {
	var out []*regexp.Regexp
	for _, exp := range exps {
		exp = strings.TrimSpace(exp)
		if exp == "" {
			continue
		}
		re, err := regexp.Compile(exp)
		if err != nil {
			return nil, fmt.Errorf("invalid %s expression '%s': %w", kind, exp, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func (v *destinationValidator) IsValid(address string) bool {
	if strings.ContainsAny(address, " \t\r\n") {
		return false
	}
	u, err := url.Parse(address)
	if err != nil || u.Host == "" || strings.Trim(u.Path, "/") == "" {
		return false
	}
	if u.Scheme != "rtmp" && u.Scheme != "rtmps" {
		return false
	}

	for _, e := range v.block {
		if e.MatchString(address) {
			return false
		}
	}
	if len(v.allow) == 0 {
		return true
	}
	for _, e := range v.allow {
		if e.MatchString(address) {
			return true
		}
	}
	return false
}
