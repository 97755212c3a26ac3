// internal/github/frameworks.go
package github

import (
	"context"
	"errors"
	"strings"

	"github.com/Smeet23/WorkLedger-sub001/internal/apperr"
)

// manifestMarkers maps manifest files to the framework markers searched for
// inside them. Detection is heuristic: a marker appearing anywhere in the
// manifest counts as the framework being present.
var manifestMarkers = map[string]map[string]string{
	"package.json": {
		"react":    "React",
		"vue":      "Vue",
		"@angular": "Angular",
		"next":     "Next.js",
		"express":  "Express",
		"@nestjs":  "NestJS",
		"svelte":   "Svelte",
	},
	"go.mod": {
		"github.com/gin-gonic/gin": "Gin",
		"github.com/go-chi/chi":    "Chi",
		"github.com/labstack/echo": "Echo",
		"github.com/gofiber/fiber": "Fiber",
	},
	"requirements.txt": {
		"django":  "Django",
		"flask":   "Flask",
		"fastapi": "FastAPI",
	},
	"Gemfile": {
		"rails":   "Ruby on Rails",
		"sinatra": "Sinatra",
	},
	"pom.xml": {
		"spring-boot":     "Spring Boot",
		"springframework": "Spring",
	},
	"build.gradle": {
		"spring-boot": "Spring Boot",
	},
	"composer.json": {
		"laravel": "Laravel",
		"symfony": "Symfony",
	},
	"Cargo.toml": {
		"actix":  "Actix",
		"rocket": "Rocket",
		"axum":   "Axum",
	},
}

// DetectFrameworks inspects well-known manifest files in the repository root
// and returns the framework tags found. A missing manifest is not an error;
// any other fetch failure is returned so the caller can decide to skip.
func (c *Client) DetectFrameworks(ctx context.Context, owner, name string) ([]string, error) {
	seen := make(map[string]bool)
	var frameworks []string
	for manifest, markers := range manifestMarkers {
		content, err := c.GetFileContent(ctx, owner, name, manifest)
		if err != nil {
			var nf *apperr.NotFoundError
			if errors.As(err, &nf) {
				continue
			}
			return frameworks, err
		}
		lowered := strings.ToLower(content)
		for marker, tag := range markers {
			if strings.Contains(lowered, strings.ToLower(marker)) && !seen[tag] {
				seen[tag] = true
				frameworks = append(frameworks, tag)
			}
		}
	}
	return frameworks, nil
}
