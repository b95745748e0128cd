package docker

import (
	"strings"

	"github.com/ypeckstadt/dockbak/internal/models"
)

// MatchContainers filters containers for query. An exact ID, ID prefix or name
// wins outright; otherwise every container whose name contains query matches.
func MatchContainers(all []models.ContainerRef, query string) []models.ContainerRef {
	if query == "" {
		return nil
	}

	var exact []models.ContainerRef
	for _, c := range all {
		if c.ID == query || strings.HasPrefix(c.ID, query) || c.Name == query {
			exact = append(exact, c)
		}
	}
	if len(exact) > 0 {
		return exact
	}

	var partial []models.ContainerRef
	for _, c := range all {
		if strings.Contains(c.Name, query) {
			partial = append(partial, c)
		}
	}
	return partial
}
