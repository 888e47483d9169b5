package errors

import (
	"fmt"
	"strings"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// classifyStatus maps a gRPC status error onto a Class.
func classifyStatus(err error) (Class, bool) {
	st, ok := status.FromError(err)
	if !ok || st.Code() == codes.OK {
		return ClassUnknown, false
	}
	return ClassifyCode(st.Code()), true
}

// ClassifyCode maps a gRPC status code onto a Class.
func ClassifyCode(code codes.Code) Class {
	switch code {
	case codes.DeadlineExceeded:
		return ClassTimeout
	case codes.Canceled:
		return ClassCancelled
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted,
		codes.Internal, codes.Unknown, codes.DataLoss:
		return ClassTransient
	case codes.InvalidArgument, codes.Unimplemented, codes.NotFound,
		codes.OutOfRange, codes.FailedPrecondition, codes.AlreadyExists:
		return ClassSchema
	case codes.Unauthenticated, codes.PermissionDenied:
		// credentials are out of scope; another endpoint may still accept the call
		return ClassTransient
	default:
		return ClassUnknown
	}
}

// Describe renders an error for diagnostics, including the gRPC code and any
// rich status details the server attached.
func Describe(err error) string {
	if err == nil {
		return ""
	}

	st, ok := status.FromError(err)
	if !ok || st.Code() == codes.OK {
		return fmt.Sprintf("[%s] %v", Classify(err), err)
	}

	details := fmt.Sprintf("[%s] gRPC: %s - %s", ClassifyCode(st.Code()), st.Code(), st.Message())
	if extra := formatStatusDetails(st); extra != "" {
		details += "\n\n" + extra
	}
	return details
}

// formatStatusDetails extracts and formats rich error details from a gRPC status.
func formatStatusDetails(st *status.Status) string {
	details := st.Details()
	if len(details) == 0 {
		return ""
	}

	var sections []string

	for _, detail := range details {
		switch d := detail.(type) {
		case *errdetails.BadRequest:
			if fvs := d.GetFieldViolations(); len(fvs) > 0 {
				var lines []string
				lines = append(lines, "Field Violations:")
				for _, fv := range fvs {
					line := fmt.Sprintf("  %s: %s", fv.GetField(), fv.GetDescription())
					if r := fv.GetReason(); r != "" {
						line += fmt.Sprintf(" (reason: %s)", r)
					}
					lines = append(lines, line)
				}
				sections = append(sections, strings.Join(lines, "\n"))
			}

		case *errdetails.DebugInfo:
			var lines []string
			lines = append(lines, "Debug Info:")
			if d.GetDetail() != "" {
				lines = append(lines, "  "+d.GetDetail())
			}
			for _, entry := range d.GetStackEntries() {
				lines = append(lines, "  "+entry)
			}
			sections = append(sections, strings.Join(lines, "\n"))

		case *errdetails.ErrorInfo:
			var lines []string
			lines = append(lines, fmt.Sprintf("Error Info: %s", d.GetReason()))
			if d.GetDomain() != "" {
				lines = append(lines, fmt.Sprintf("  Domain: %s", d.GetDomain()))
			}
			for k, v := range d.GetMetadata() {
				lines = append(lines, fmt.Sprintf("  %s: %s", k, v))
			}
			sections = append(sections, strings.Join(lines, "\n"))

		case *errdetails.RetryInfo:
			if delay := d.GetRetryDelay(); delay != nil {
				sections = append(sections, fmt.Sprintf("Retry after: %v", delay.AsDuration()))
			}

		case *errdetails.QuotaFailure:
			if vs := d.GetViolations(); len(vs) > 0 {
				var lines []string
				lines = append(lines, "Quota Failures:")
				for _, v := range vs {
					lines = append(lines, fmt.Sprintf("  %s: %s", v.GetSubject(), v.GetDescription()))
				}
				sections = append(sections, strings.Join(lines, "\n"))
			}

		case *errdetails.RequestInfo:
			sections = append(sections, fmt.Sprintf("Request ID: %s", d.GetRequestId()))

		case *errdetails.ResourceInfo:
			sections = append(sections, fmt.Sprintf("Resource: %s/%s (%s)", d.GetResourceType(), d.GetResourceName(), d.GetDescription()))

		default:
			sections = append(sections, fmt.Sprintf("Detail: %v", detail))
		}
	}

	return strings.Join(sections, "\n\n")
}
