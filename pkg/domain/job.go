package domain

// Job describes one parameterized notebook execution.
type Job struct {
	// Input is the path of the notebook to execute.
	Input string
	// Output is the path the executed notebook is written to.
	Output string
	// Kernel is the Jupyter kernel name used for execution.
	Kernel string
	// Parameters are injected into the notebook's parameters cell.
	Parameters map[string]any
}

// Output is one named value recorded by an executed notebook.
type Output struct {
	Name  string
	Value any
}
