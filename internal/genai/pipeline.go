package genai

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pawcasso/pawcasso/internal/imaging"
	"github.com/pawcasso/pawcasso/internal/models"
)

// Artifact is the image flowing through the pipeline. Data always holds the
// current rendition; Scene is filled by the scene stage and consumed by the
// composite stage.
type Artifact struct {
	Data        []byte
	ContentType string
	Scene       []byte
}

// Params are the descriptive fields the user supplied with the upload.
type Params struct {
	PetName   string
	PetGender models.PetGender
	Style     models.PortraitStyle
}

// Stage is one named step of the portrait pipeline. A stage is a pure
// function from (artifact, params) to (artifact, error); there is no
// stage-level retry.
type Stage struct {
	Name string
	Run  func(ctx context.Context, art *Artifact, p Params) (*Artifact, error)
}

// Pipeline executes its stages in order, aborting on the first error with
// the failing stage's name attached.
type Pipeline struct {
	stages []Stage
	log    *slog.Logger
}

func NewPipeline(log *slog.Logger, stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages, log: log}
}

func (p *Pipeline) Run(ctx context.Context, art *Artifact, params Params) (*Artifact, error) {
	for _, stage := range p.stages {
		next, err := stage.Run(ctx, art, params)
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", stage.Name, err)
		}
		p.log.Info("pipeline stage completed", "stage", stage.Name)
		art = next
	}
	return art, nil
}

// Stages returns the stage names in execution order.
func (p *Pipeline) Stages() []string {
	names := make([]string, 0, len(p.stages))
	for _, s := range p.stages {
		names = append(names, s.Name)
	}
	return names
}

// PortraitPipeline builds the standard segment → scene → composite →
// harmonize sequence.
func PortraitPipeline(log *slog.Logger, oa *OpenAIClient, rep *ReplicateClient, segmentModel, harmonizeModel string) *Pipeline {
	return NewPipeline(log,
		SegmentStage(rep, segmentModel),
		SceneStage(oa),
		CompositeStage(),
		HarmonizeStage(rep, harmonizeModel),
	)
}

// SegmentStage removes the background from the uploaded photo, leaving the
// pet subject on transparency.
func SegmentStage(rep *ReplicateClient, model string) Stage {
	return Stage{
		Name: "segment",
		Run: func(ctx context.Context, art *Artifact, _ Params) (*Artifact, error) {
			url, err := rep.Run(ctx, model, map[string]any{
				"image": dataURI(art.Data, art.ContentType),
			})
			if err != nil {
				return nil, err
			}
			data, contentType, err := rep.Fetch(ctx, url)
			if err != nil {
				return nil, err
			}
			return &Artifact{Data: data, ContentType: contentType}, nil
		},
	}
}

// SceneStage paints the royal backdrop for the portrait.
func SceneStage(oa *OpenAIClient) Stage {
	return Stage{
		Name: "scene",
		Run: func(ctx context.Context, art *Artifact, p Params) (*Artifact, error) {
			scene, err := oa.GenerateScene(ctx, ScenePrompt(p))
			if err != nil {
				return nil, err
			}
			return &Artifact{Data: art.Data, ContentType: art.ContentType, Scene: scene}, nil
		},
	}
}

// CompositeStage overlays the segmented subject on the scene locally.
func CompositeStage() Stage {
	return Stage{
		Name: "composite",
		Run: func(ctx context.Context, art *Artifact, _ Params) (*Artifact, error) {
			if len(art.Scene) == 0 {
				return nil, fmt.Errorf("no scene to composite onto")
			}
			subject, err := imaging.Decode(art.Data)
			if err != nil {
				return nil, fmt.Errorf("decode subject: %w", err)
			}
			scene, err := imaging.Decode(art.Scene)
			if err != nil {
				return nil, fmt.Errorf("decode scene: %w", err)
			}
			merged, err := imaging.EncodePNG(imaging.Composite(subject, scene))
			if err != nil {
				return nil, err
			}
			return &Artifact{Data: merged, ContentType: "image/png"}, nil
		},
	}
}

// HarmonizeStage blends lighting and tone of the composite into one coherent
// painting.
func HarmonizeStage(rep *ReplicateClient, model string) Stage {
	return Stage{
		Name: "harmonize",
		Run: func(ctx context.Context, art *Artifact, _ Params) (*Artifact, error) {
			url, err := rep.Run(ctx, model, map[string]any{
				"img": dataURI(art.Data, art.ContentType),
			})
			if err != nil {
				return nil, err
			}
			data, contentType, err := rep.Fetch(ctx, url)
			if err != nil {
				return nil, err
			}
			return &Artifact{Data: data, ContentType: contentType}, nil
		},
	}
}

// ScenePrompt builds the style prompt handed to the scene model.
func ScenePrompt(p Params) string {
	title := "a distinguished noble"
	switch p.PetGender {
	case models.GenderMale:
		title = "a regal king"
	case models.GenderFemale:
		title = "a regal queen"
	}

	styleText := "classical renaissance oil painting"
	switch p.Style {
	case models.StyleBaroque:
		styleText = "dramatic baroque oil painting with deep chiaroscuro"
	case models.StyleRegal:
		styleText = "stately royal court portrait painting"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "An ornate throne room backdrop for a portrait of %s, in the manner of a %s.", title, styleText)
	b.WriteString(" Rich velvet drapery, gilded frame lighting, muted palette, no subject in frame.")
	if p.PetName != "" {
		fmt.Fprintf(&b, " The scene suits a beloved pet named %s.", p.PetName)
	}
	return b.String()
}

func dataURI(data []byte, contentType string) string {
	if contentType == "" {
		contentType = "image/png"
	}
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data)
}
