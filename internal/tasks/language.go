package tasks

import "strings"

// LanguageConfig is the language definition served by the platform. The
// command fields are templates with {filename}, {source}, {output}, {extra},
// {program} and {redirect} placeholders.
type LanguageConfig struct {
	SourceFile string `json:"source_file"`
	OutputFile string `json:"output_file"`
	Compile    string `json:"compile"`
	Run        string `json:"run"`
	Display    string `json:"display"`
	Version    string `json:"version"`
	AceMode    string `json:"ace_mode"`
	HljsMode   string `json:"hljs_mode"`
}

// Source expands the source file name for a program called name.
func (l *LanguageConfig) Source(name string) string {
	return strings.ReplaceAll(l.SourceFile, "{filename}", name)
}

// Output expands the compiled output file name for a program called name.
func (l *LanguageConfig) Output(name string) string {
	return strings.ReplaceAll(l.OutputFile, "{filename}", name)
}

// CompileCmd expands the compile command line.
func (l *LanguageConfig) CompileCmd(source, output, extra string) string {
	s := strings.ReplaceAll(l.Compile, "{source}", source)
	s = strings.ReplaceAll(s, "{output}", output)
	s = strings.ReplaceAll(s, "{extra}", extra)
	return strings.TrimSpace(s)
}

// RunCmd expands the run command line. redirect is the shell redirection
// suffix ("< in > out") or empty for file-IO problems.
func (l *LanguageConfig) RunCmd(program, redirect string) string {
	s := strings.ReplaceAll(l.Run, "{program}", program)
	s = strings.ReplaceAll(s, "{redirect}", redirect)
	return strings.TrimSpace(s)
}
