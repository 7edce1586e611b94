package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fitline/internal/app"
	"fitline/internal/domain"
	"fitline/internal/workflow"
	fitlinesdk "fitline/sdk/go"
)

type tryonFlags struct {
	model       string
	modelPrompt string
	background  string
	garment     string
	save        bool
	out         string
}

func tryonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tryon",
		Short: "Virtual try-on",
		Long: `Runs the four try-on steps: model selection, background, garment selection
and try-on. References may be local paths, file://, http(s) or data: URIs,
or #N for the Nth asset listed by 'fl assets list'.`,
	}

	var f tryonFlags
	run := &cobra.Command{
		Use:   "run",
		Short: "Run the whole try-on in one go",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				return runTryOn(ctx, s, f)
			})
		},
	}
	run.Flags().StringVar(&f.model, "model", "", "model image reference")
	run.Flags().StringVar(&f.modelPrompt, "generate-model", "", "generate the model from this prompt instead of --model")
	run.Flags().StringVar(&f.background, "background", "", "replace the model background with this prompt")
	run.Flags().StringVar(&f.garment, "garment", "", "garment image reference")
	run.Flags().BoolVar(&f.save, "save", false, "save the result to the library")
	run.Flags().StringVarP(&f.out, "out", "o", "", "write the result to this file")
	cmd.AddCommand(run)

	cmd.AddCommand(&cobra.Command{
		Use:   "wizard",
		Short: "Walk through the try-on steps interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				w := &wizard{s: s, in: bufio.NewReader(cmd.InOrStdin()), out: cmd.OutOrStdout()}
				return w.run(ctx)
			})
		},
	})
	return cmd
}

func runTryOn(ctx context.Context, s *app.Session, f tryonFlags) error {
	flow := s.Workflow
	if err := s.Library.Refresh(ctx); err != nil {
		s.Log.Debug().Err(err).Msg("refresh library")
	}
	switch {
	case strings.TrimSpace(f.modelPrompt) != "":
		if _, err := flow.GenerateModel(ctx, f.modelPrompt); err != nil {
			return err
		}
	case f.model != "":
		ref, err := resolveRef(s, f.model)
		if err != nil {
			return err
		}
		flow.SetModelImage(ref, sourceOf(f.model))
	}
	if err := flow.Next(); err != nil {
		return err
	}
	if f.background != "" {
		flow.SetBackground(true, f.background)
		if _, err := flow.ApplyBackground(ctx); err != nil {
			return err
		}
	}
	if err := flow.Next(); err != nil {
		return err
	}
	garment, err := resolveRef(s, f.garment)
	if err != nil {
		return err
	}
	flow.SetGarmentImage(garment)
	if err := flow.Next(); err != nil {
		return err
	}
	ref, err := flow.RunTryOn(ctx)
	if err != nil {
		return err
	}
	return finishResult(ctx, s, ref, f.save, f.out)
}

func videoCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "video", Short: "Video generation"}
	var prompt, image, out string
	var save bool
	gen := &cobra.Command{
		Use:   "generate",
		Short: "Generate a video from a prompt and an optional source image",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				src := ""
				if image != "" {
					if err := s.Library.Refresh(ctx); err != nil {
						s.Log.Debug().Err(err).Msg("refresh library")
					}
					ref, err := resolveRef(s, image)
					if err != nil {
						return err
					}
					src = ref
				}
				ref, err := s.Workflow.GenerateVideo(ctx, prompt, src)
				if err != nil {
					return err
				}
				return finishResult(ctx, s, ref, save, out)
			})
		},
	}
	gen.Flags().StringVar(&prompt, "prompt", "", "what should happen in the video")
	gen.Flags().StringVar(&image, "image", "", "source image reference")
	gen.Flags().BoolVar(&save, "save", false, "save the result to the library")
	gen.Flags().StringVarP(&out, "out", "o", "", "write the result to this file")
	cmd.AddCommand(gen)
	return cmd
}

func textCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "text <prompt>",
		Short: "Ask the service for text, e.g. to refine a prompt",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				text, err := s.Client.GenerateText(ctx, fitlinesdk.GenerateTextRequest{Prompt: strings.Join(args, " ")})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"text": text})
				}
				fmt.Println(text)
				return nil
			})
		},
	}
}

// finishResult writes, saves or discards a pending result.
func finishResult(ctx context.Context, s *app.Session, ref string, save bool, out string) error {
	state := s.Workflow.State()
	payload := map[string]any{"result": ref, "kind": state.ResultKind}
	if out != "" {
		path, err := writeRef(ctx, s.Workflow, ref, out)
		if err != nil {
			return err
		}
		payload["file"] = path
		if !viper.GetBool("json") {
			fmt.Printf("Wrote %s\n", path)
		}
	}
	if save {
		url, err := s.Workflow.ConfirmSave(ctx)
		if err != nil {
			return err
		}
		payload["url"] = url
		if !viper.GetBool("json") {
			fmt.Printf("Saved %s\n", url)
		}
	} else {
		s.Workflow.Discard()
	}
	if viper.GetBool("json") {
		return printJSON(payload)
	}
	if out == "" && !save {
		fmt.Println("Result discarded; pass --out or --save to keep it.")
	}
	return nil
}

func writeRef(ctx context.Context, flow *workflow.Controller, ref, out string) (string, error) {
	f, err := flow.Open(ctx, ref, "result")
	if err != nil {
		return "", err
	}
	if filepath.Ext(out) == "" {
		out += filepath.Ext(f.Name)
	}
	if err := os.WriteFile(out, f.Data, 0o644); err != nil {
		return "", err
	}
	return out, nil
}

// resolveRef expands #N into the URL of the Nth library asset.
func resolveRef(s *app.Session, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if !strings.HasPrefix(ref, "#") {
		return ref, nil
	}
	n, err := strconv.Atoi(ref[1:])
	items := s.Library.List()
	if err != nil || n < 1 || n > len(items) {
		return "", &domain.ValidationError{Field: "reference", Message: fmt.Sprintf("%s is not in the library (%d assets)", ref, len(items))}
	}
	return items[n-1].URL, nil
}

func sourceOf(ref string) domain.ModelSource {
	if strings.HasPrefix(strings.TrimSpace(ref), "#") {
		return domain.ModelSourceHistory
	}
	return domain.ModelSourceUpload
}

// wizard drives the controller one step at a time from line input.
type wizard struct {
	s   *app.Session
	in  *bufio.Reader
	out io.Writer
}

var (
	errQuit = errors.New("quit")
	errBack = errors.New("back")
)

func (w *wizard) run(ctx context.Context) error {
	if err := w.s.Library.Refresh(ctx); err != nil {
		w.s.Log.Debug().Err(err).Msg("refresh library")
	}
	flow := w.s.Workflow
	for {
		st := flow.State()
		fmt.Fprintf(w.out, "\n[%d/4] %s\n", st.Step, st.Step)
		var err error
		switch st.Step {
		case domain.StepModelSelection:
			err = w.modelStep(ctx)
		case domain.StepBackground:
			err = w.backgroundStep(ctx)
		case domain.StepGarment:
			err = w.garmentStep()
		case domain.StepTryOn:
			var done bool
			done, err = w.tryOnStep(ctx)
			if done && err == nil {
				return nil
			}
		}
		switch {
		case errors.Is(err, errQuit):
			return nil
		case errors.Is(err, errBack):
		case err != nil:
			fmt.Fprintln(w.out, "error:", err)
		}
	}
}

func (w *wizard) ask(prompt string) (string, error) {
	fmt.Fprint(w.out, prompt+"> ")
	line, err := w.in.ReadString('\n')
	if err != nil {
		if !errors.Is(err, io.EOF) {
			return "", err
		}
		if strings.TrimSpace(line) == "" {
			return "", errQuit
		}
	}
	line = strings.TrimSpace(line)
	switch line {
	case "quit", "q":
		return "", errQuit
	case "back", "b":
		w.s.Workflow.Back()
		return "", errBack
	}
	return line, nil
}

func (w *wizard) modelStep(ctx context.Context) error {
	flow := w.s.Workflow
	if cur := flow.State().ModelImage; cur != "" {
		fmt.Fprintf(w.out, "current model: %s (enter to keep)\n", cur)
	}
	line, err := w.ask("model (path, url, #N, or 'gen [prompt]')")
	if err != nil {
		return err
	}
	switch {
	case line == "gen" || strings.HasPrefix(line, "gen "):
		fmt.Fprintln(w.out, "generating model...")
		if _, err := flow.GenerateModel(ctx, strings.TrimPrefix(line, "gen")); err != nil {
			return err
		}
	case line != "":
		ref, err := resolveRef(w.s, line)
		if err != nil {
			return err
		}
		flow.SetModelImage(ref, sourceOf(line))
	}
	return flow.Next()
}

func (w *wizard) backgroundStep(ctx context.Context) error {
	flow := w.s.Workflow
	line, err := w.ask("background prompt (enter to skip)")
	if err != nil {
		return err
	}
	if line != "" {
		flow.SetBackground(true, line)
		fmt.Fprintln(w.out, "replacing background...")
		if _, err := flow.ApplyBackground(ctx); err != nil {
			return err
		}
	} else {
		flow.SetBackground(false, "")
	}
	return flow.Next()
}

func (w *wizard) garmentStep() error {
	flow := w.s.Workflow
	line, err := w.ask("garment (path, url or #N)")
	if err != nil {
		return err
	}
	if line != "" {
		ref, err := resolveRef(w.s, line)
		if err != nil {
			return err
		}
		flow.SetGarmentImage(ref)
	}
	return flow.Next()
}

func (w *wizard) tryOnStep(ctx context.Context) (bool, error) {
	flow := w.s.Workflow
	if !flow.State().PendingSave {
		fmt.Fprintln(w.out, "running try-on...")
		if _, err := flow.RunTryOn(ctx); err != nil {
			flow.Back()
			return false, err
		}
	}
	line, err := w.ask("save, discard, or 'out <file>'")
	if err != nil {
		return false, err
	}
	switch {
	case line == "save":
		url, err := flow.ConfirmSave(ctx)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(w.out, "saved %s\n", url)
		return true, nil
	case line == "discard":
		flow.Discard()
		return true, nil
	case strings.HasPrefix(line, "out "):
		path, err := writeRef(ctx, flow, flow.State().Result, strings.TrimSpace(strings.TrimPrefix(line, "out ")))
		if err != nil {
			return false, err
		}
		fmt.Fprintf(w.out, "wrote %s\n", path)
	}
	return false, nil
}
