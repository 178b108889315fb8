// Package notebook executes parameterized notebooks with papermill and reads
// back the values they record.
package notebook
