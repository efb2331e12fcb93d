/*
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

package notification

import (
	"context"

	"github.com/arbplane/arbplane/pkg/apis/core"
)

// Channel is one alert delivery target. A channel is identified as configured solely by
// the presence of its webhook; unconfigured channels are skipped during fan-out.
type Channel interface {
	Name() string
	IsConfigured() bool
	Send(ctx context.Context, alert core.Alert) error
}
