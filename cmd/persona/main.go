// Command persona manages the persona registry file.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/hottake/studio/internal/config"
	"github.com/hottake/studio/internal/logging"
	"github.com/hottake/studio/internal/model"
	"github.com/hottake/studio/internal/persona"
)

const usage = `Usage: persona <command> [id] [flags]

Commands:
  list              List personas
  show <id>         Show one persona and its validation
  add <id>          Add or replace a persona (--name, --bio, --prompt-file required)
  update <id>       Change the given fields of a persona
  delete <id>       Delete a persona
  validate [id]     Validate one persona, or all of them
`

var errInvalid = errors.New("persona is invalid")

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := run(os.Args[1:], cfg, os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// personaFields binds one flag per persona field. Only flags given on the
// command line end up in a patch.
type personaFields struct {
	fs     *pflag.FlagSet
	values map[string]*string
}

var fieldFlags = []struct{ name, help string }{
	{"name", "Display name"},
	{"bio", "Short biography"},
	{"description", "Longer description"},
	{"prompt-file", "System prompt file, relative to the base dir"},
	{"image-file", "Image file, relative to the base dir"},
	{"elevenlabs-voice-id", "ElevenLabs voice id"},
	{"heygen-voice-id", "HeyGen voice id"},
	{"heygen-avatar-id", "HeyGen avatar id"},
}

func bindFields(fs *pflag.FlagSet) *personaFields {
	f := &personaFields{fs: fs, values: map[string]*string{}}
	for _, ff := range fieldFlags {
		f.values[ff.name] = fs.String(ff.name, "", ff.help)
	}
	return f
}

func (f *personaFields) changed(name string) *string {
	if !f.fs.Changed(name) {
		return nil
	}
	return f.values[name]
}

func (f *personaFields) patch() model.PersonaPatch {
	return model.PersonaPatch{
		Name:              f.changed("name"),
		Bio:               f.changed("bio"),
		Description:       f.changed("description"),
		PromptFile:        f.changed("prompt-file"),
		ImageFile:         f.changed("image-file"),
		ElevenLabsVoiceID: f.changed("elevenlabs-voice-id"),
		HeyGenVoiceID:     f.changed("heygen-voice-id"),
		HeyGenAvatarID:    f.changed("heygen-avatar-id"),
	}
}

func run(args []string, cfg *config.Config, stdout io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return errors.New("missing command")
	}
	cmd, rest := args[0], args[1:]
	if cmd == "help" || cmd == "-h" || cmd == "--help" {
		fmt.Fprint(stdout, usage)
		return nil
	}

	fs := pflag.NewFlagSet(cmd, pflag.ContinueOnError)
	file := fs.String("file", cfg.Personas.File, "Persona registry file")
	baseDir := fs.String("base-dir", cfg.Personas.BaseDir, "Directory prompt and image paths are relative to")
	var fields *personaFields
	if cmd == "add" || cmd == "update" {
		fields = bindFields(fs)
	}
	if err := fs.Parse(rest); err != nil {
		return err
	}

	store, err := persona.NewStore(persona.Options{
		File:      *file,
		BaseDir:   *baseDir,
		DefaultID: cfg.Personas.DefaultID,
		Logger:    logging.Discard(),
	})
	if err != nil {
		return err
	}

	id := fs.Arg(0)
	needID := func() error {
		if id == "" {
			return fmt.Errorf("%s requires a persona id", cmd)
		}
		return nil
	}

	switch cmd {
	case "list":
		return list(store, stdout)

	case "show":
		if err := needID(); err != nil {
			return err
		}
		return show(store, id, stdout)

	case "add":
		if err := needID(); err != nil {
			return err
		}
		var p model.Persona
		fields.patch().Apply(&p)
		if err := store.Add(id, p); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Added persona %s (%s)\n", p.Name, id)
		return nil

	case "update":
		if err := needID(); err != nil {
			return err
		}
		patch := fields.patch()
		if patch.IsEmpty() {
			return errors.New("no fields to update")
		}
		ok, err := store.Update(id, patch)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("persona %q not found", id)
		}
		fmt.Fprintf(stdout, "Updated persona %s\n", id)
		return nil

	case "delete":
		if err := needID(); err != nil {
			return err
		}
		ok, err := store.Delete(id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("persona %q not found", id)
		}
		fmt.Fprintf(stdout, "Deleted persona %s\n", id)
		return nil

	case "validate":
		return validate(store, id, stdout)

	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func list(store *persona.Store, w io.Writer) error {
	personas := store.List()
	if len(personas) == 0 {
		fmt.Fprintln(w, "No personas found.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tCONFIGURED")
	for _, p := range personas {
		var configured []string
		if p.HasImage {
			configured = append(configured, "image")
		}
		if p.HasElevenLabs {
			configured = append(configured, "elevenlabs")
		}
		if p.HasHeyGenVoice {
			configured = append(configured, "heygen-voice")
		}
		if p.HasHeyGenAvatar {
			configured = append(configured, "heygen-avatar")
		}
		if len(configured) == 0 {
			configured = append(configured, "-")
		}
		marker := ""
		if p.ID == store.DefaultID() {
			marker = " (default)"
		}
		fmt.Fprintf(tw, "%s%s\t%s\t%s\n", p.ID, marker, p.Name, strings.Join(configured, ","))
	}
	return tw.Flush()
}

func show(store *persona.Store, id string, w io.Writer) error {
	p, ok := store.Get(id)
	if !ok {
		return fmt.Errorf("persona %q not found", id)
	}

	fmt.Fprintf(w, "%s (%s)\n", p.Name, id)
	fmt.Fprintf(w, "Bio: %s\n", p.Bio)
	if p.Description != "" {
		fmt.Fprintf(w, "Description: %s\n", p.Description)
	}
	fmt.Fprintf(w, "Prompt file: %s\n", p.PromptFile)
	optional := []struct{ label, value string }{
		{"Image file", p.ImageFile},
		{"ElevenLabs voice", p.ElevenLabsVoiceID},
		{"HeyGen voice", p.HeyGenVoiceID},
		{"HeyGen avatar", p.HeyGenAvatarID},
	}
	for _, o := range optional {
		if o.value != "" {
			fmt.Fprintf(w, "%s: %s\n", o.label, o.value)
		}
	}
	fmt.Fprintln(w)
	printValidation(w, id, store.Validate(id))
	return nil
}

func validate(store *persona.Store, id string, w io.Writer) error {
	ids := []string{id}
	if id == "" {
		ids = ids[:0]
		for _, p := range store.List() {
			ids = append(ids, p.ID)
		}
	}

	invalid := 0
	for _, pid := range ids {
		if _, ok := store.Get(pid); !ok {
			return fmt.Errorf("persona %q not found", pid)
		}
		v := store.Validate(pid)
		printValidation(w, pid, v)
		if !v.Valid {
			invalid++
		}
	}
	if invalid > 0 {
		return fmt.Errorf("%w: %d of %d", errInvalid, invalid, len(ids))
	}
	return nil
}

func printValidation(w io.Writer, id string, v model.PersonaValidation) {
	status := "valid"
	if !v.Valid {
		status = "INVALID"
	}
	fmt.Fprintf(w, "%s: %s\n", id, status)
	for _, e := range v.Errors {
		fmt.Fprintf(w, "  error: %s\n", e)
	}
	for _, warn := range v.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", warn)
	}
}
