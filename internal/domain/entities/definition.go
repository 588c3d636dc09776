package entities

// Recipe represents a package build recipe from YAML
type Recipe struct {
	Name         string
	Version      string
	Description  string
	Source       SourceDescriptor
	Verification SourceVerification
	Build        RecipeBuild
}

// RecipeBuild lists the setup.py subcommands and build requirements
type RecipeBuild struct {
	Commands     []string
	Dependencies []string
}

// Request converts the recipe into the input of one pipeline run
func (r *Recipe) Request() BuildRequest {
	return BuildRequest{
		Name:         r.Name,
		Version:      r.Version,
		Source:       r.Source,
		Verification: r.Verification,
		Commands:     r.Build.Commands,
		Dependencies: r.Build.Dependencies,
	}
}
