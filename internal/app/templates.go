package app

import (
	"fmt"
	"html"
)

// templateBlocks returns the initial text-block contents for a new
// document. The title is HTML-escaped into the first block.
func templateBlocks(docType, title string) []string {
	heading := html.EscapeString(title)
	switch docType {
	case "wiki":
		return []string{
			fmt.Sprintf("<h1>%s</h1>", heading),
			"<p><em>Table of contents</em></p>",
			"<h2>Overview</h2><p></p>",
		}
	case "course":
		return []string{
			fmt.Sprintf("<h1>%s</h1><p><strong>Level:</strong> </p><p><strong>Audience:</strong> </p>", heading),
			"<h2>Objectives</h2><ul><li></li></ul>",
			"<h2>Lesson plan</h2><ol><li></li></ol>",
			"<h2>Content</h2><p></p>",
			"<h2>Exercises</h2><ul><li></li></ul>",
			"<h2>Resources</h2><ul><li></li></ul>",
		}
	case "spec":
		return []string{
			fmt.Sprintf("<h1>%s</h1><p><strong>Version:</strong> 0.1</p><p><strong>Author:</strong> </p>", heading),
			"<h2>1. Context and objectives</h2><p></p>",
			"<h2>2. Scope</h2><p></p>",
			"<h2>3. Functional requirements</h2><ul><li></li></ul>",
			"<h2>4. Non-functional requirements</h2><ul><li></li></ul>",
			"<h2>5. Constraints</h2><p></p>",
			"<h2>6. Deliverables</h2><ul><li></li></ul>",
			"<h2>7. Planning</h2><p></p>",
			"<h2>8. Risks</h2><p></p>",
		}
	default: // note
		return []string{
			fmt.Sprintf("<h1>%s</h1>", heading),
		}
	}
}

var allowedDocTypes = map[string]struct{}{
	"note":   {},
	"wiki":   {},
	"course": {},
	"spec":   {},
}
