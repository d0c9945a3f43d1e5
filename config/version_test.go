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

package config

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("TestVersion", func() {
	It("should parse a release tag", func() {
		v := parseVersion("v1.2.3-rc1")
		Expect(v.Major).Should(Equal(1))
		Expect(v.Minor).Should(Equal(2))
		Expect(v.Patch).Should(Equal(3))
		Expect(v.Release).Should(Equal("rc1"))
		Expect(v.Version()).Should(Equal("v1.2.3-rc1"))
	})
	It("should keep missing parts zero", func() {
		v := parseVersion("2.5")
		Expect(v.Version()).Should(Equal("v2.5.0"))
		Expect(parseVersion("").Version()).Should(Equal("v0.0.0"))
		Expect(parseVersion("vbroken.1").Version()).Should(Equal("v0.0.0"))
	})
	It("should default to a dev build", func() {
		v := VersionInfo()
		Expect(v.Version()).Should(Equal("v0.0.0-dev"))
		Expect(v.GoVersion).ShouldNot(BeEmpty())
	})
})
