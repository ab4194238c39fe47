/*
Copyright 2025 The llm-d Authors.

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


package sampling

import (
	"errors"
)

var (
	// ErrInvalidSamplingParams is returned for sampling parameters that
	// cannot be fanned out.
	ErrInvalidSamplingParams = errors.New("invalid sampling parameters")
	// ErrDuplicateRequest is returned when a parent with the same request id
	// is already registered.
	ErrDuplicateRequest = errors.New("duplicate request id")
)
