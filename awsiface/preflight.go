package awsiface

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
)

// requiredActions lists the S3 permissions the pipeline needs on its source
// bucket, supplementing the spec per SPEC_FULL.md section 10 (grounded on
// original_source/src/security/access_control.py's permission checks).
var requiredActions = []string{"s3:GetObject", "s3:ListBucket"}

// CheckBucketReadAccess simulates the configured principal's policy against
// the required S3 actions on the given bucket ARN and returns an error
// naming any denied action. It is invoked once at pipeline startup, never
// mid-cycle, so a failure here is fatal to the process per section 7.
func CheckBucketReadAccess(ctx context.Context, client IAMClient, principalARN, bucketARN string) error {
	resourceARNs := []string{bucketARN, bucketARN + "/*"}

	out, err := client.SimulatePrincipalPolicy(ctx, &iam.SimulatePrincipalPolicyInput{
		PolicySourceArn: &principalARN,
		ActionNames:     requiredActions,
		ResourceArns:    resourceARNs,
	})
	if err != nil {
		return fmt.Errorf("awsiface: simulate principal policy: %w", err)
	}

	var denied []string
	for _, result := range out.EvaluationResults {
		if result.EvalDecision != iamtypes.PolicyEvaluationDecisionTypeAllowed {
			action := ""
			if result.EvalActionName != nil {
				action = *result.EvalActionName
			}
			denied = append(denied, action)
		}
	}
	if len(denied) > 0 {
		return fmt.Errorf("awsiface: principal %s missing permissions on %s: %v", principalARN, bucketARN, denied)
	}
	return nil
}
