package orchestrator

import (
	"encoding/json"
	"strings"

	"github.com/ashureev/coursecraft/internal/domain"
)

const newCoursePreamble = `You are a course design assistant helping an instructor plan a new online course.
Ask about the audience, learning objectives, total duration and whether the course needs a hands-on project.
Once you know enough, propose a complete outline. Put the outline in a single fenced block tagged json with
the shape {"title": string, "description": string, "sections": [{"title": string, "description": string,
"lessons": [{"title": string, "type": string, "duration": string}]}]}. Keep conversational text outside the block.`

const editCoursePreamble = `You are a course design assistant helping an instructor revise an existing course outline.
The current outline is included below. Apply the requested changes and return the full revised outline in a
single fenced block tagged json using the same shape. Keep conversational text outside the block.`

const jsonModeSuffix = `Reply with a JSON object {"message": string, "outline": object|null} where message is the text shown
to the instructor and outline is the full outline when you propose one.`

func preambleFor(tag string) string {
	if tag == domain.ContextEditCourse {
		return editCoursePreamble
	}
	return newCoursePreamble
}

// buildPrompt renders the preamble, the conversation so far, the new user
// message and a snapshot of the current outline.
func buildPrompt(sess *domain.Session, message string, jsonMode bool) string {
	var b strings.Builder
	b.WriteString(preambleFor(sess.Context))
	if jsonMode {
		b.WriteString("\n\n")
		b.WriteString(jsonModeSuffix)
	}
	b.WriteString("\n\nConversation so far:\n")
	for _, m := range sess.Messages {
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteByte('\n')
	}
	b.WriteString(string(domain.RoleUser))
	b.WriteString(": ")
	b.WriteString(message)
	b.WriteByte('\n')

	if sess.Data.Outline != nil {
		if snapshot, err := json.Marshal(sess.Data.Outline); err == nil {
			b.WriteString("\nCurrent outline:\n```json\n")
			b.Write(snapshot)
			b.WriteString("\n```\n")
		}
	}
	return b.String()
}
