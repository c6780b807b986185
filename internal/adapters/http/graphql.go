package http

import (
	"sort"

	"github.com/gofiber/fiber/v2"
	"github.com/graphql-go/graphql"

	"github.com/samirrijal/bilbotrack/internal/core/domain"
)

// buildSchema creates the GraphQL schema wired to our services.
// Object fields resolve through the domain types' json tags.
func buildSchema(deps *Dependencies) (graphql.Schema, error) {
	geoPointType := graphql.NewObject(graphql.ObjectConfig{
		Name: "GeoPoint",
		Fields: graphql.Fields{
			"latitude":  &graphql.Field{Type: graphql.Float},
			"longitude": &graphql.Field{Type: graphql.Float},
		},
	})

	vehicleType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Vehicle",
		Fields: graphql.Fields{
			"id":          &graphql.Field{Type: graphql.String},
			"latitude":    &graphql.Field{Type: graphql.Float},
			"longitude":   &graphql.Field{Type: graphql.Float},
			"tripId":      &graphql.Field{Type: graphql.String},
			"routeId":     &graphql.Field{Type: graphql.String},
			"label":       &graphql.Field{Type: graphql.String},
			"speed":       &graphql.Field{Type: graphql.Float},
			"vehicleType": &graphql.Field{Type: graphql.String},
		},
	})

	pointType := graphql.NewObject(graphql.ObjectConfig{
		Name: "ClusterPoint",
		Fields: graphql.Fields{
			"latitude":  &graphql.Field{Type: graphql.Float},
			"longitude": &graphql.Field{Type: graphql.Float},
			"vehicle":   &graphql.Field{Type: vehicleType},
		},
	})

	clusterType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Cluster",
		Fields: graphql.Fields{
			"id":         &graphql.Field{Type: graphql.String},
			"coordinate": &graphql.Field{Type: geoPointType},
			"numPoints":  &graphql.Field{Type: graphql.Int},
			"points":     &graphql.Field{Type: graphql.NewList(pointType)},
		},
	})

	alertType := graphql.NewObject(graphql.ObjectConfig{
		Name: "ProximityAlert",
		Fields: graphql.Fields{
			"subscriptionId":   &graphql.Field{Type: graphql.String},
			"vehicleId":        &graphql.Field{Type: graphql.String},
			"distance":         &graphql.Field{Type: graphql.Float},
			"previousDistance": &graphql.Field{Type: graphql.Float},
			"minimumDistance":  &graphql.Field{Type: graphql.Float},
			"isApproaching":    &graphql.Field{Type: graphql.Boolean},
			"stopPassed":       &graphql.Field{Type: graphql.Boolean},
			"stop_lat":         &graphql.Field{Type: graphql.Float},
			"stop_lon":         &graphql.Field{Type: graphql.Float},
			"estimatedArrival": &graphql.Field{Type: graphql.String},
			// epoch millis overflow Int (32-bit)
			"timestamp": &graphql.Field{Type: graphql.Float},
		},
	})

	stopType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Stop",
		Fields: graphql.Fields{
			"stop_id":       &graphql.Field{Type: graphql.Int},
			"stop_lat":      &graphql.Field{Type: graphql.Float},
			"stop_lon":      &graphql.Field{Type: graphql.Float},
			"stop_sequence": &graphql.Field{Type: graphql.Int},
			"stop_name":     &graphql.Field{Type: graphql.String},
		},
	})

	lineStringType := graphql.NewList(graphql.NewList(graphql.Float))

	routeDataType := graphql.NewObject(graphql.ObjectConfig{
		Name: "RouteData",
		Fields: graphql.Fields{
			"tripIds":       &graphql.Field{Type: graphql.NewList(graphql.Int)},
			"shape":         &graphql.Field{Type: graphql.NewList(lineStringType)},
			"stops":         &graphql.Field{Type: graphql.NewList(stopType)},
			"routeLongName": &graphql.Field{Type: graphql.String},
		},
	})

	queryType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Query",
		Fields: graphql.Fields{
			"clusters": &graphql.Field{
				Type:        graphql.NewList(clusterType),
				Description: "Vehicle clusters for a map viewport",
				Args: graphql.FieldConfigArgument{
					"latitude":       &graphql.ArgumentConfig{Type: graphql.Float, DefaultValue: 0.0},
					"longitude":      &graphql.ArgumentConfig{Type: graphql.Float, DefaultValue: 0.0},
					"latitudeDelta":  &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.Float)},
					"longitudeDelta": &graphql.ArgumentConfig{Type: graphql.Float, DefaultValue: 0.0},
					"capped":         &graphql.ArgumentConfig{Type: graphql.Boolean, DefaultValue: false},
				},
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					region := domain.Region{
						Latitude:       p.Args["latitude"].(float64),
						Longitude:      p.Args["longitude"].(float64),
						LatitudeDelta:  p.Args["latitudeDelta"].(float64),
						LongitudeDelta: p.Args["longitudeDelta"].(float64),
					}
					return deps.Clusters.Clusters(p.Context, region, p.Args["capped"].(bool)), nil
				},
			},
			"alerts": &graphql.Field{
				Type:        graphql.NewList(alertType),
				Description: "Live proximity alerts ordered by subscription id",
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					set := deps.Proximity.Alerts(p.Context)
					out := make([]domain.ProximityAlert, 0, len(set))
					for _, a := range set {
						out = append(out, a)
					}
					sort.Slice(out, func(i, j int) bool { return out[i].SubscriptionID < out[j].SubscriptionID })
					return out, nil
				},
			},
			"routeForTrip": &graphql.Field{
				Type:        graphql.String,
				Description: "Route id a trip is mapped to",
				Args: graphql.FieldConfigArgument{
					"tripId": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
				},
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					if deps.Mappings == nil {
						return nil, nil
					}
					if routeID, ok := deps.Mappings.GetRouteForTrip(p.Args["tripId"].(string)); ok {
						return routeID, nil
					}
					return nil, nil
				},
			},
			"routeData": &graphql.Field{
				Type:        routeDataType,
				Description: "Cached geometry and trip membership of a route",
				Args: graphql.FieldConfigArgument{
					"routeId": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
				},
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					if deps.Mappings == nil {
						return nil, nil
					}
					if rd, ok := deps.Mappings.GetRouteData(p.Args["routeId"].(string)); ok {
						return rd, nil
					}
					return nil, nil
				},
			},
		},
	})

	return graphql.NewSchema(graphql.SchemaConfig{
		Query: queryType,
	})
}

// GraphQLHandler serves the GraphQL endpoint.
func GraphQLHandler(deps *Dependencies) fiber.Handler {
	schema, err := buildSchema(deps)
	if err != nil {
		// This would be a programming error in the schema definition
		panic("graphql schema build: " + err.Error())
	}

	type gqlRequest struct {
		Query         string                 `json:"query"`
		OperationName string                 `json:"operationName"`
		Variables     map[string]interface{} `json:"variables"`
	}

	return func(c *fiber.Ctx) error {
		var req gqlRequest
		if err := c.BodyParser(&req); err != nil {
			return errBadRequest(c, "invalid request body")
		}

		result := graphql.Do(graphql.Params{
			Schema:         schema,
			RequestString:  req.Query,
			VariableValues: req.Variables,
			OperationName:  req.OperationName,
			Context:        c.UserContext(),
		})

		return c.JSON(result)
	}
}
