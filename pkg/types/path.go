/*
 Copyright 2023 NanaFS Authors.

 Licensed under the Apache License, Version 2.0 (the "License");
 you may not use this file except in compliance with the License.
 You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

 Unless required by applicable law or agreed to in writing, software
 distributed under the License is distributed on an "AS IS" BASIS,
 WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 See the License for the specific language governing permissions and
 limitations under the License.
*/

package types

import (
	"path"
	"strings"
)

// CleanPath returns the canonical form of p: slash separated, no leading
// or trailing slash. The root is the empty string.
func CleanPath(p string) string {
	p = path.Clean("/" + strings.ReplaceAll(p, "\\", "/"))
	return strings.TrimPrefix(p, "/")
}

func ParentDir(p string) string {
	p = CleanPath(p)
	idx := strings.LastIndex(p, "/")
	if idx < 0 {
		return ""
	}
	return p[:idx]
}

func BaseName(p string) string {
	p = CleanPath(p)
	return p[strings.LastIndex(p, "/")+1:]
}

func JoinPath(elem ...string) string {
	return CleanPath(path.Join(elem...))
}

// IsChildOf reports whether p lies strictly below dir.
func IsChildOf(p, dir string) bool {
	p, dir = CleanPath(p), CleanPath(dir)
	if dir == "" {
		return p != ""
	}
	return strings.HasPrefix(p, dir+"/")
}

// DirPrefix is the listing prefix for the children of dir.
func DirPrefix(dir string) string {
	dir = CleanPath(dir)
	if dir == "" {
		return ""
	}
	return dir + "/"
}
