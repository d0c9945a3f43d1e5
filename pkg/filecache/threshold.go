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

package filecache

// nextThresholdState applies the high/low hysteresis: pressure starts at
// or above high and only ends once usage drops strictly below low.
func nextThresholdState(reached bool, pct, high, low float64) bool {
	if reached {
		return pct >= low
	}
	return pct >= high
}
