// Package reporter routes named metric values to the attached tracking run or,
// when no run is attached, to the console.
//
// Reporting is best effort. A Reporter never returns an error and never panics
// because of a value's shape or a backend failure; every report is echoed to
// the console so a value is never lost silently.
package reporter
