/*
Copyright © 2026 The MultiROM Authors

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

package partition

import "github.com/djherbis/times"

// readDevBlockCtime reads /dev/block's ctime, which changes whenever a
// device node under it is created or removed, the trigger the refresh
// worker polls for (spec.md §4.4).
func readDevBlockCtime() (int64, error) {
	t, err := times.Stat("/dev/block")
	if err != nil {
		return 0, err
	}
	if !t.HasChangeTime() {
		return t.ModTime().UnixNano(), nil
	}
	return t.ChangeTime().UnixNano(), nil
}
