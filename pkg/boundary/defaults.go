package boundary

import "github.com/stackpilot/core/pkg/risk"

// Default returns the shipped catalog. Deployments normally load a
// tenant-specific YAML catalog instead; this one exists so the server
// and tests run without external configuration.
func Default() *Boundary {
	b, err := New(DefaultCatalog())
	if err != nil {
		// The shipped catalog is compiled into the binary; failing to
		// load it is a programming error, not a runtime condition.
		panic("boundary: default catalog invalid: " + err.Error())
	}
	return b
}

const instanceIDSchema = `{
	"type": "object",
	"properties": {
		"force": {"type": "boolean"},
		"hibernate": {"type": "boolean"}
	},
	"additionalProperties": false
}`

const lifecycleSchema = `{
	"type": "object",
	"properties": {
		"expiration_days": {"type": "integer", "minimum": 1},
		"transition_class": {"type": "string", "enum": ["STANDARD_IA", "GLACIER", "DEEP_ARCHIVE"]}
	},
	"additionalProperties": false
}`

// DefaultCatalog is the built-in policy document.
func DefaultCatalog() Catalog {
	return Catalog{
		Version:         CatalogVersion,
		AllowedServices: []string{"ec2", "ebs", "s3", "rds"},
		BannedActions: []string{
			"s3:delete_bucket",
			"rds:delete_db_instance",
			"ec2:terminate_all_instances",
		},
		HardLimits: []HardLimit{
			{Category: "compute", MaxResources: 100, Guard: "resource_count <= 100"},
			{Category: "storage", MaxResources: 50, MaxCostDelta: 500, Guard: "resource_count <= 50 && cost_delta < 500.0"},
			{Category: "database", MaxResources: 10, Guard: "resource_count <= 10"},
		},
		Actions: []CanonicalAction{
			{
				Service: "ec2", Operation: "stop_instances",
				Description: "Stop running EC2 instances",
				Category:    "compute", RiskCategory: risk.LevelLow,
				Reversible: true, Downtime: true,
				DependencyRank:     1,
				CompensatingAction: "ec2:start_instances",
				CostModel:          CostModelTabular, MonthlyCostDelta: -45.0,
				DurationSeconds: 30, TargetState: "stopped",
				ParamSchema: instanceIDSchema,
			},
			{
				Service: "ec2", Operation: "start_instances",
				Description: "Start stopped EC2 instances",
				Category:    "compute", RiskCategory: risk.LevelLow,
				Reversible: true,
				DependencyRank:     1,
				CompensatingAction: "ec2:stop_instances",
				CostModel:          CostModelTabular, MonthlyCostDelta: 45.0,
				DurationSeconds: 30, TargetState: "running",
			},
			{
				Service: "ec2", Operation: "terminate_instances",
				Description: "Terminate EC2 instances permanently",
				Category:    "compute", RiskCategory: risk.LevelHigh,
				Reversible: false, Downtime: true, DataLoss: true,
				RequiresApproval: true,
				DependencyRank:   3,
				CostModel:        CostModelTabular, MonthlyCostDelta: -45.0,
				DurationSeconds: 60, TargetState: "terminated",
			},
			{
				Service: "ebs", Operation: "detach_volume",
				Description: "Detach an EBS volume from its instance",
				Category:    "storage", RiskCategory: risk.LevelMedium,
				Reversible: true, Downtime: true,
				DependencyRank:     2,
				CompensatingAction: "ebs:attach_volume",
				CostModel:          CostModelTabular,
				DurationSeconds:    20, TargetState: "available",
			},
			{
				Service: "ebs", Operation: "attach_volume",
				Description: "Attach an EBS volume to an instance",
				Category:    "storage", RiskCategory: risk.LevelLow,
				Reversible: true,
				DependencyRank:     2,
				CompensatingAction: "ebs:detach_volume",
				CostModel:          CostModelTabular,
				DurationSeconds:    20, TargetState: "in-use",
			},
			{
				Service: "ebs", Operation: "delete_volume",
				Description: "Delete an EBS volume permanently",
				Category:    "storage", RiskCategory: risk.LevelHigh,
				Reversible: false, DataLoss: true,
				RequiresApproval: true,
				DependencyRank:   3,
				CostModel:        CostModelTabular, MonthlyCostDelta: -8.0,
				DurationSeconds: 15, TargetState: "deleted",
			},
			{
				Service: "s3", Operation: "put_lifecycle_policy",
				Description: "Apply a lifecycle policy to an S3 bucket",
				Category:    "storage", RiskCategory: risk.LevelMedium,
				Reversible: true,
				DependencyRank:     1,
				CompensatingAction: "s3:delete_lifecycle_policy",
				CostModel:          CostModelEstimated, MonthlyCostDelta: -20.0,
				DurationSeconds: 5,
				ParamSchema:     lifecycleSchema,
			},
			{
				Service: "s3", Operation: "delete_lifecycle_policy",
				Description: "Remove the lifecycle policy from an S3 bucket",
				Category:    "storage", RiskCategory: risk.LevelLow,
				Reversible: true,
				DependencyRank: 1,
				CostModel:      CostModelEstimated,
				DurationSeconds: 5,
			},
			{
				Service: "rds", Operation: "stop_db_instance",
				Description: "Stop an RDS database instance",
				Category:    "database", RiskCategory: risk.LevelMedium,
				Reversible: true, Downtime: true,
				DependencyRank:     1,
				CompensatingAction: "rds:start_db_instance",
				CostModel:          CostModelTabular, MonthlyCostDelta: -120.0,
				DurationSeconds: 120, TargetState: "stopped",
			},
			{
				Service: "rds", Operation: "start_db_instance",
				Description: "Start a stopped RDS database instance",
				Category:    "database", RiskCategory: risk.LevelLow,
				Reversible: true,
				DependencyRank:     1,
				CompensatingAction: "rds:stop_db_instance",
				CostModel:          CostModelTabular, MonthlyCostDelta: 120.0,
				DurationSeconds: 120, TargetState: "available",
			},
		},
	}
}
