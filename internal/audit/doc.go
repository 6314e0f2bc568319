// Package audit defines the domain types shared by the audit orchestrator:
// stages, job states, result payloads, the error taxonomy, and the
// collaborator interfaces implemented by the lab, field, and AI stages.
package audit
