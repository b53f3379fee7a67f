package cmd

import (
	"fmt"
	fs2 "io/fs"
	"log"
	path2 "path"
	"path/filepath"
	"strings"

	"github.com/dimsync/dimsync/pkg/config"
	"github.com/dimsync/dimsync/templates"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
)

const (
	DefaultTemplate   = "default"
	DefaultFolderName = "dimsync-pipeline"
)

var choices = templates.TemplateNames()

type model struct {
	cursor int
	choice string
}

func (m model) Init() tea.Cmd {
	return nil
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok {
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		case "enter":
			m.choice = choices[m.cursor]
			return m, tea.Quit
		case "down", "j":
			m.cursor++
			if m.cursor >= len(choices) {
				m.cursor = 0
			}
		case "up", "k":
			m.cursor--
			if m.cursor < 0 {
				m.cursor = len(choices) - 1
			}
		}
	}
	return m, nil
}

func (m model) View() string {
	s := strings.Builder{}
	s.WriteString("Please select a template below\n\n")

	for i, choice := range choices {
		if m.cursor == i {
			s.WriteString(" [x] ")
		} else {
			s.WriteString(" [ ] ")
		}
		s.WriteString(choice)
		s.WriteString("\n")
	}
	s.WriteString("\n(press q to quit)\n")

	return s.String()
}

func Init() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "create a new pipeline from a template",
		ArgsUsage: fmt.Sprintf(
			"[template name to be used: %s] [name of the folder where the pipeline will be created]",
			strings.Join(choices, "|"),
		),
		Action: func(c *cli.Context) error {
			defer func() {
				if err := recover(); err != nil {
					log.Println("=======================================")
					log.Println("dimsync encountered an unexpected error, please report the issue.")
					log.Println(err)
					log.Println("=======================================")
				}
			}()

			templateName := c.Args().Get(0)
			if len(templateName) == 0 {
				m, err := tea.NewProgram(model{}).Run()
				if err != nil {
					errorPrinter.Printf("Failed to pick a template: %v\n", err)
					return cli.Exit("", 1)
				}

				if m, ok := m.(model); ok && m.choice != "" {
					templateName = m.choice
				}
			}
			if templateName == "" {
				return cli.Exit("", 1)
			}

			inputPath := c.Args().Get(1)
			if inputPath == "" {
				if templateName == DefaultTemplate {
					inputPath = DefaultFolderName
				} else {
					inputPath = templateName
				}
			}

			if err := initPipeline(afero.NewOsFs(), templateName, inputPath); err != nil {
				errorPrinter.Println(err.Error())
				return cli.Exit("", 1)
			}

			successPrinter.Printf("Created a '%s' pipeline in %s\n", templateName, inputPath)
			return nil
		},
	}
}

// initPipeline copies a template into a new folder and creates the
// connections file next to it.
func initPipeline(fsys afero.Fs, templateName, inputPath string) error {
	if _, err := templates.Templates.ReadDir(templateName); err != nil {
		return errors.Errorf("template '%s' not found", templateName)
	}

	if exists, _ := afero.Exists(fsys, inputPath); exists {
		return errors.Errorf("the folder %s already exists, please choose a different name", inputPath)
	}
	if dir, _ := filepath.Split(inputPath); dir != "" {
		return errors.New("traversing up or down in the folder structure is not allowed, provide base folder name only")
	}

	if err := fsys.Mkdir(inputPath, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create the folder %s", inputPath)
	}

	if _, err := config.LoadOrCreate(fsys, path2.Join(inputPath, config.DefaultFileName)); err != nil {
		return errors.Wrapf(err, "could not write the %s file", config.DefaultFileName)
	}

	err := fs2.WalkDir(templates.Templates, templateName, func(path string, d fs2.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == templateName || d.IsDir() {
			return nil
		}

		contents, err := templates.Templates.ReadFile(path)
		if err != nil {
			return err
		}

		target := path2.Join(inputPath, strings.TrimPrefix(path, templateName+"/"))
		if err := fsys.MkdirAll(path2.Dir(target), 0o755); err != nil {
			return errors.Wrapf(err, "could not create the %s folder", path2.Dir(target))
		}
		return afero.WriteFile(fsys, target, contents, 0o644)
	})
	if err != nil {
		return errors.Wrapf(err, "could not copy template %s", templateName)
	}

	return nil
}
