// Command gendocs generates documentation for the nfcond CLI.
//
// Usage: gendocs <markdown|man|completions> [outdir]
package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/cobra/doc"

	"github.com/bolasblack/nfcond/internal/cli"
)

var defaultDirs = map[string]string{
	"markdown":    "docs/commands",
	"man":         "out/man",
	"completions": "out/completions",
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: gendocs <markdown|man|completions> [outdir]")
		os.Exit(1)
	}

	format := os.Args[1]
	dir, ok := defaultDirs[format]
	if !ok {
		fmt.Printf("Unknown format: %s\n", format)
		os.Exit(1)
	}
	if len(os.Args) > 2 {
		dir = os.Args[2]
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.Fatalf("Failed to create directory: %v", err)
	}

	cmd := cli.GetRootCmd()
	cmd.DisableAutoGenTag = true

	switch format {
	case "markdown":
		generateMarkdown(cmd, dir)
	case "man":
		generateMan(cmd, dir)
	case "completions":
		generateCompletions(cmd, dir)
	}
}

func generateMarkdown(cmd *cobra.Command, dir string) {
	date := time.Now().Format("2006-01-02")
	frontMatter := func(filename string) string {
		base := strings.TrimSuffix(filepath.Base(filename), ".md")
		return fmt.Sprintf("---\ntitle: %q\ndate: %s\n---\n\n", strings.ReplaceAll(base, "_", " "), date)
	}
	link := func(name string) string {
		return "./" + name
	}

	if err := doc.GenMarkdownTreeCustom(cmd, dir, frontMatter, link); err != nil {
		log.Fatalf("Failed to generate markdown: %v", err)
	}
	fmt.Printf("Generated markdown documentation in %s/\n", dir)
}

func generateCompletions(cmd *cobra.Command, dir string) {
	shells := []struct {
		file string
		gen  func(*os.File) error
	}{
		{"nfcond.bash", func(f *os.File) error { return cmd.GenBashCompletionV2(f, true) }},
		{"nfcond.zsh", func(f *os.File) error { return cmd.GenZshCompletion(f) }},
		{"nfcond.fish", func(f *os.File) error { return cmd.GenFishCompletion(f, true) }},
	}
	for _, s := range shells {
		writeCompletion(filepath.Join(dir, s.file), s.gen)
	}
	fmt.Printf("Generated shell completions in %s/\n", dir)
}

func writeCompletion(path string, gen func(*os.File) error) {
	f, err := os.Create(path)
	if err != nil {
		log.Fatalf("Failed to create %s: %v", path, err)
	}
	if err := gen(f); err != nil {
		_ = f.Close()
		log.Fatalf("Failed to generate %s: %v", path, err)
	}
	if err := f.Close(); err != nil {
		log.Fatalf("Failed to close %s: %v", path, err)
	}
}

func generateMan(cmd *cobra.Command, dir string) {
	header := &doc.GenManHeader{
		Title:   "NFCOND",
		Section: "8",
		Source:  "nfcond " + cli.Version,
		Manual:  "System Administration",
	}
	if err := doc.GenManTree(cmd, header, dir); err != nil {
		log.Fatalf("Failed to generate man pages: %v", err)
	}
	fmt.Printf("Generated man pages in %s/\n", dir)
}
