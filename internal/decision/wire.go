package decision

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// Сообщения Decision Engine передаются как google.protobuf.Struct: схема запроса
// маленькая и меняется вместе с ядром, отдельный .proto для нее не заводится.

const (
	serviceName      = "spotguard.decision.v1.DecisionEngine"
	selectPoolMethod = "/" + serviceName + "/SelectPool"
)

func encodeRequest(req Request) (*structpb.Struct, error) {
	exclude := make([]any, 0, len(req.ExcludePools))
	for _, p := range req.ExcludePools {
		exclude = append(exclude, p)
	}
	return structpb.NewStruct(map[string]any{
		"agent_id":         req.AgentID,
		"instance_type":    req.InstanceType,
		"region":           req.Region,
		"goal":             string(req.Goal),
		"exclude_pools":    exclude,
		"deadline_seconds": req.Deadline.Seconds(),
	})
}

func decodeRequest(s *structpb.Struct) (Request, error) {
	if s == nil {
		return Request{}, fmt.Errorf("empty request")
	}
	f := s.GetFields()
	req := Request{
		AgentID:      f["agent_id"].GetStringValue(),
		InstanceType: f["instance_type"].GetStringValue(),
		Region:       f["region"].GetStringValue(),
		Goal:         Goal(f["goal"].GetStringValue()),
		Deadline:     time.Duration(f["deadline_seconds"].GetNumberValue() * float64(time.Second)),
	}
	for _, v := range f["exclude_pools"].GetListValue().GetValues() {
		req.ExcludePools = append(req.ExcludePools, v.GetStringValue())
	}
	if req.InstanceType == "" {
		return Request{}, fmt.Errorf("instance_type is required")
	}
	return req, nil
}

func encodeChoice(c Choice) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"pool_id": c.PoolID,
		"az":      c.AZ,
		"price":   c.Price,
		"risk":    c.Risk,
		"source":  c.Source,
	})
}

func decodeChoice(s *structpb.Struct) (Choice, error) {
	f := s.GetFields()
	c := Choice{
		PoolID: f["pool_id"].GetStringValue(),
		AZ:     f["az"].GetStringValue(),
		Price:  f["price"].GetNumberValue(),
		Risk:   f["risk"].GetNumberValue(),
		Source: f["source"].GetStringValue(),
	}
	if c.PoolID == "" {
		return Choice{}, fmt.Errorf("decision engine returned empty pool")
	}
	return c, nil
}
