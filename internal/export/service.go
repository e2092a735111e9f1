package export

import (
	"context"
	"fmt"
	"time"

	"graphroom/api/internal/store"
)

// DataStore defines the interface for data access
type DataStore interface {
	GetProject(ctx context.Context, id string) (store.Project, error)
	GetUserByID(ctx context.Context, id string) (store.User, error)
	ListGraph(ctx context.Context, projectID string) (store.Graph, error)
}

// Service provides project export functionality
type Service struct {
	store DataStore
}

// NewService creates a new export service
func NewService(store DataStore) *Service {
	return &Service{store: store}
}

// Export renders the project's current graph as a PDF summary.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	html, projectName, err := s.render(ctx, req)
	if err != nil {
		return nil, err
	}
	return exportPDF(html, projectName)
}

// RenderHTML returns the summary as standalone HTML without the PDF step.
func (s *Service) RenderHTML(ctx context.Context, req Request) (string, error) {
	html, _, err := s.render(ctx, req)
	return html, err
}

func (s *Service) render(ctx context.Context, req Request) (string, string, error) {
	project, err := s.store.GetProject(ctx, req.ProjectID)
	if err != nil {
		return "", "", fmt.Errorf("get project: %w", err)
	}

	ownerName := ""
	if owner, err := s.store.GetUserByID(ctx, project.OwnerID); err == nil {
		ownerName = owner.DisplayName
	}

	graph, err := s.store.ListGraph(ctx, req.ProjectID)
	if err != nil {
		return "", "", fmt.Errorf("list graph: %w", err)
	}

	labels := make(map[string]string, len(graph.Nodes))
	data := TemplateData{
		ProjectName: project.Name,
		OwnerName:   ownerName,
		GeneratedAt: time.Now(),
		Nodes:       []TemplateNode{},
		Edges:       []TemplateEdge{},
		Comments:    []TemplateComment{},
	}

	for _, n := range graph.Nodes {
		label := nodeLabel(n)
		labels[n.ID] = label
		data.Nodes = append(data.Nodes, TemplateNode{
			ID:    n.ID,
			Label: label,
			X:     n.X,
			Y:     n.Y,
		})
	}

	for _, e := range graph.Edges {
		data.Edges = append(data.Edges, TemplateEdge{
			SourceLabel: labelOrID(labels, e.Source),
			TargetLabel: labelOrID(labels, e.Target),
			Label:       e.Label,
		})
	}

	if req.IncludeComments {
		for _, c := range graph.Comments {
			comment := TemplateComment{
				Author: c.AuthorName,
				Body:   c.Text,
			}
			if c.NodeID != "" {
				comment.NodeLabel = labelOrID(labels, c.NodeID)
			}
			data.Comments = append(data.Comments, comment)
		}
	}

	html, err := RenderSummaryHTML(data)
	if err != nil {
		return "", "", fmt.Errorf("render template: %w", err)
	}
	return html, project.Name, nil
}

func nodeLabel(n store.Node) string {
	if label, ok := n.Data["label"].(string); ok && label != "" {
		return label
	}
	return n.ID
}

func labelOrID(labels map[string]string, id string) string {
	if label, ok := labels[id]; ok && label != "" {
		return label
	}
	return id
}
