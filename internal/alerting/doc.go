// Package alerting provides the business boundary for clinical alert workflows.
// It defines the domain model (ClinicalAlert, WorkflowEvent, Intervention), the
// risk bucketer, the Engine that owns every state transition, the Store contract
// that co-commits alert mutations with their audit entries, and the async
// Dispatcher that fans workflow events out to notification sinks.
package alerting
