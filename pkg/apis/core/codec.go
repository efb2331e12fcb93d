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

package core

import (
	"encoding/json"
	"fmt"
)

// Event-log entries carry their payload as a JSON string under the "data" field, alongside
// flat routing fields. The shapes are part of the wire contract with the detector fleet.
const (
	FieldData    = "data"
	FieldID      = "id"
	FieldType    = "type"
	FieldService = "service"
)

// EncodeFields marshals v into the canonical field map for an event-log append.
func EncodeFields(v any, extra map[string]string) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding event payload, %w", err)
	}
	fields := map[string]any{FieldData: string(raw)}
	for k, val := range extra {
		fields[k] = val
	}
	return fields, nil
}

// DecodeOpportunity parses an opportunity out of a raw field map. Malformed payloads are
// rejected here, at the edge, with ErrInvalidOpportunity rather than propagating.
func DecodeOpportunity(fields map[string]string) (*Opportunity, error) {
	raw, ok := fields[FieldData]
	if !ok {
		return nil, fmt.Errorf("%w: missing %q field", ErrInvalidOpportunity, FieldData)
	}
	opp := &Opportunity{}
	if err := json.Unmarshal([]byte(raw), opp); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidOpportunity, err)
	}
	return opp, nil
}

// DecodeServiceHealth parses a health report out of a raw field map. The service name may
// ride on the flat "service" field when the payload omits it.
func DecodeServiceHealth(fields map[string]string) (*ServiceHealth, error) {
	raw, ok := fields[FieldData]
	if !ok {
		return nil, fmt.Errorf("health event missing %q field", FieldData)
	}
	health := &ServiceHealth{}
	if err := json.Unmarshal([]byte(raw), health); err != nil {
		return nil, fmt.Errorf("decoding health event, %w", err)
	}
	if health.Service == "" {
		health.Service = fields[FieldService]
	}
	if health.Service == "" {
		return nil, fmt.Errorf("health event missing service name")
	}
	switch health.Status {
	case HealthHealthy, HealthDegraded, HealthUnhealthy, HealthUnknown:
	case "":
		health.Status = HealthUnknown
	default:
		return nil, fmt.Errorf("health event carries unknown status %q", health.Status)
	}
	return health, nil
}

// DecodeExecutionResult parses an execution result out of a raw field map.
func DecodeExecutionResult(fields map[string]string) (*ExecutionResult, error) {
	raw, ok := fields[FieldData]
	if !ok {
		return nil, fmt.Errorf("execution result missing %q field", FieldData)
	}
	result := &ExecutionResult{}
	if err := json.Unmarshal([]byte(raw), result); err != nil {
		return nil, fmt.Errorf("decoding execution result, %w", err)
	}
	if result.OpportunityID == "" {
		return nil, fmt.Errorf("execution result missing opportunity id")
	}
	return result, nil
}
