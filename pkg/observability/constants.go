// Copyright 2025 The Soteria Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package observability

// Span attribute keys.
const (
	AttrHTTPMethod       = "http.method"
	AttrHTTPPath         = "http.path"
	AttrHTTPStatusCode   = "http.status_code"
	AttrHTTPResponseSize = "http.response_size"
	AttrErrorType        = "error.type"
	AttrSessionID        = "session.id"
	AttrAgentID          = "agent.id"
	AttrTaskType         = "task.type"
	AttrResourceType     = "security.resource_type"
	AttrOperation        = "security.operation"
)

// Span names.
const (
	SpanHTTPRequest     = "http.request"
	SpanTaskExecution   = "agent.task_execution"
	SpanTokenValidation = "security.token_validation"
	SpanDelegation      = "security.delegation"
	SpanWorkflowStep    = "workflow.step"
)
