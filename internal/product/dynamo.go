package product

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// dynamoAPI is the subset of the DynamoDB client used by DynamoStore.
type dynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoStore keeps products in a DynamoDB table keyed by tenant (partition) and id (sort).
type DynamoStore struct {
	db        dynamoAPI
	tableName string
}

// NewDynamoStore builds a client from the default AWS credential chain.
// endpoint may point at DynamoDB Local; empty uses the regional endpoint.
func NewDynamoStore(ctx context.Context, region, table, endpoint string) (*DynamoStore, error) {
	if table == "" {
		return nil, errors.New("dynamodb table name is required")
	}

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return &DynamoStore{db: client, tableName: table}, nil
}

type dynamoRecord struct {
	Tenant               string     `dynamodbav:"tenant"`
	ID                   string     `dynamodbav:"id"`
	Code                 string     `dynamodbav:"code"`
	Name                 string     `dynamodbav:"name"`
	Description          string     `dynamodbav:"description"`
	Weight               *float64   `dynamodbav:"weight,omitempty"`
	CountryOfOrigin      string     `dynamodbav:"country_of_origin"`
	ImageURL             string     `dynamodbav:"image_url"`
	Status               string     `dynamodbav:"status"`
	Category             string     `dynamodbav:"category"`
	Subcategory          string     `dynamodbav:"subcategory"`
	Materials            []Material `dynamodbav:"materials,omitempty"`
	Processes            []Process  `dynamodbav:"processes,omitempty"`
	RawMaterialEmissions float64    `dynamodbav:"raw_material_emissions"`
	ProcessEmissions     float64    `dynamodbav:"process_emissions"`
	TotalEmissions       float64    `dynamodbav:"total_emissions"`
	Error                string     `dynamodbav:"error"`
	// Times are unix milliseconds so filter expressions can compare them numerically.
	CreatedAt       int64  `dynamodbav:"created_at"`
	StartedAt       *int64 `dynamodbav:"started_at,omitempty"`
	LastProcessedAt *int64 `dynamodbav:"last_processed_at,omitempty"`
}

func recordFromProduct(p *Product) dynamoRecord {
	return dynamoRecord{
		Tenant:               string(p.Tenant),
		ID:                   p.ID,
		Code:                 p.Code,
		Name:                 p.Name,
		Description:          p.Description,
		Weight:               p.Weight,
		CountryOfOrigin:      p.CountryOfOrigin,
		ImageURL:             p.ImageURL,
		Status:               string(p.Status),
		Category:             p.Category,
		Subcategory:          p.Subcategory,
		Materials:            p.Materials,
		Processes:            p.Processes,
		RawMaterialEmissions: p.RawMaterialEmissions,
		ProcessEmissions:     p.ProcessEmissions,
		TotalEmissions:       p.TotalEmissions,
		Error:                p.Error,
		CreatedAt:            p.CreatedAt.UnixMilli(),
		StartedAt:            millisPtr(p.StartedAt),
		LastProcessedAt:      millisPtr(p.LastProcessedAt),
	}
}

func (r dynamoRecord) product() *Product {
	return &Product{
		ID:                   r.ID,
		Tenant:               Tenant(r.Tenant),
		Code:                 r.Code,
		Name:                 r.Name,
		Description:          r.Description,
		Weight:               r.Weight,
		CountryOfOrigin:      r.CountryOfOrigin,
		ImageURL:             r.ImageURL,
		Status:               Status(r.Status),
		Category:             r.Category,
		Subcategory:          r.Subcategory,
		Materials:            r.Materials,
		Processes:            r.Processes,
		RawMaterialEmissions: r.RawMaterialEmissions,
		ProcessEmissions:     r.ProcessEmissions,
		TotalEmissions:       r.TotalEmissions,
		Error:                r.Error,
		CreatedAt:            time.UnixMilli(r.CreatedAt).UTC(),
		StartedAt:            timePtr(r.StartedAt),
		LastProcessedAt:      timePtr(r.LastProcessedAt),
	}
}

func millisPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

func timePtr(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms).UTC()
	return &t
}

func (s *DynamoStore) key(tenant Tenant, id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"tenant": &types.AttributeValueMemberS{Value: string(tenant)},
		"id":     &types.AttributeValueMemberS{Value: id},
	}
}

func (s *DynamoStore) Create(ctx context.Context, p *Product) error {
	// The table is keyed by id, so code uniqueness is checked with a query first.
	existing, err := s.queryTenant(ctx, p.Tenant, aws.String("#code = :code"), map[string]string{"#code": "code"}, map[string]types.AttributeValue{
		":code": &types.AttributeValueMemberS{Value: p.Code},
	})
	if err != nil {
		return fmt.Errorf("create product %s: %w", p.Code, err)
	}
	if len(existing) > 0 {
		return fmt.Errorf("create product %s: %w", p.Code, ErrDuplicateCode)
	}

	rec := recordFromProduct(p)
	rec.Status = string(StatusPending)
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("marshal product %s: %w", p.Code, err)
	}

	_, err = s.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(s.tableName),
		Item:                     item,
		ConditionExpression:      aws.String("attribute_not_exists(#id)"),
		ExpressionAttributeNames: map[string]string{"#id": "id"},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("create product %s: %w", p.Code, ErrDuplicateCode)
		}
		return fmt.Errorf("create product %s: %w", p.Code, err)
	}
	return nil
}

func (s *DynamoStore) Get(ctx context.Context, tenant Tenant, id string) (*Product, error) {
	out, err := s.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key:       s.key(tenant, id),
	})
	if err != nil {
		return nil, fmt.Errorf("get product %s: %w", id, err)
	}
	if out.Item == nil {
		return nil, nil
	}

	var rec dynamoRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal product %s: %w", id, err)
	}
	return rec.product(), nil
}

// List pages in memory: DynamoDB has no offset, and tenants are expected to stay
// within a few thousand products.
func (s *DynamoStore) List(ctx context.Context, tenant Tenant, limit, offset int) ([]*Product, int, error) {
	limit, offset = ClampPage(limit, offset)

	all, err := s.queryTenant(ctx, tenant, nil, nil, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("list products: %w", err)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := min(offset+limit, total)
	return all[offset:end], total, nil
}

func (s *DynamoStore) FindPending(ctx context.Context, tenant Tenant) ([]*Product, error) {
	pending, err := s.queryTenant(ctx, tenant, aws.String("#status = :status"), map[string]string{"#status": "status"}, map[string]types.AttributeValue{
		":status": &types.AttributeValueMemberS{Value: string(StatusPending)},
	})
	if err != nil {
		return nil, fmt.Errorf("find pending products: %w", err)
	}
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })
	return pending, nil
}

func (s *DynamoStore) UpdateClassification(ctx context.Context, tenant Tenant, id string, c Classification) error {
	materials, err := attributevalue.Marshal(c.Materials)
	if err != nil {
		return fmt.Errorf("marshal materials: %w", err)
	}
	processes, err := attributevalue.Marshal(c.Processes)
	if err != nil {
		return fmt.Errorf("marshal processes: %w", err)
	}

	_, err = s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key:       s.key(tenant, id),
		UpdateExpression: aws.String("SET #status = :status, #category = :category, #subcategory = :subcategory, " +
			"#materials = :materials, #processes = :processes, #raw = :raw, " +
			"#proc = :proc, #total = :total, #error = :error, #at = :at"),
		ConditionExpression: aws.String("attribute_exists(#id)"),
		ExpressionAttributeNames: map[string]string{
			"#id":          "id",
			"#status":      "status",
			"#category":    "category",
			"#subcategory": "subcategory",
			"#materials":   "materials",
			"#processes":   "processes",
			"#raw":         "raw_material_emissions",
			"#proc":        "process_emissions",
			"#total":       "total_emissions",
			"#error":       "error",
			"#at":          "last_processed_at",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status":      &types.AttributeValueMemberS{Value: string(StatusCompleted)},
			":category":    &types.AttributeValueMemberS{Value: c.Category},
			":subcategory": &types.AttributeValueMemberS{Value: c.Subcategory},
			":materials":   materials,
			":processes":   processes,
			":raw":         numberValue(c.RawMaterialEmissions),
			":proc":        numberValue(c.ProcessEmissions),
			":total":       numberValue(c.TotalEmissions),
			":error":       &types.AttributeValueMemberS{Value: ""},
			":at":          &types.AttributeValueMemberN{Value: strconv.FormatInt(c.ProcessedAt.UnixMilli(), 10)},
		},
	})
	if err != nil {
		return fmt.Errorf("update classification for product %s: %w", id, err)
	}
	return nil
}

func (s *DynamoStore) UpdateStatus(ctx context.Context, tenant Tenant, id string, status Status, errMsg string) error {
	now := &types.AttributeValueMemberN{Value: strconv.FormatInt(time.Now().UnixMilli(), 10)}

	in := &dynamodb.UpdateItemInput{
		TableName:                aws.String(s.tableName),
		Key:                      s.key(tenant, id),
		ConditionExpression:      aws.String("attribute_exists(#id)"),
		ExpressionAttributeNames: map[string]string{"#id": "id", "#status": "status"},
	}
	if status == StatusProcessing {
		in.UpdateExpression = aws.String("SET #status = :status, #started = :at")
		in.ExpressionAttributeNames["#started"] = "started_at"
		in.ExpressionAttributeValues = map[string]types.AttributeValue{
			":status": &types.AttributeValueMemberS{Value: string(status)},
			":at":     now,
		}
	} else {
		in.UpdateExpression = aws.String("SET #status = :status, #error = :error, #at = :at")
		in.ExpressionAttributeNames["#error"] = "error"
		in.ExpressionAttributeNames["#at"] = "last_processed_at"
		in.ExpressionAttributeValues = map[string]types.AttributeValue{
			":status": &types.AttributeValueMemberS{Value: string(status)},
			":error":  &types.AttributeValueMemberS{Value: errMsg},
			":at":     now,
		}
	}

	if _, err := s.db.UpdateItem(ctx, in); err != nil {
		return fmt.Errorf("update status for product %s: %w", id, err)
	}
	return nil
}

func (s *DynamoStore) CountByStatus(ctx context.Context, tenant Tenant) (map[Status]int, error) {
	all, err := s.queryTenant(ctx, tenant, nil, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	counts := map[Status]int{
		StatusPending:    0,
		StatusProcessing: 0,
		StatusCompleted:  0,
		StatusFailed:     0,
	}
	for _, p := range all {
		counts[p.Status]++
	}
	return counts, nil
}

func (s *DynamoStore) ResetStale(ctx context.Context, before time.Time, skip func(*Product) bool) ([]*Product, error) {
	var found []*Product
	var startKey map[string]types.AttributeValue
	for {
		out, err := s.db.Scan(ctx, &dynamodb.ScanInput{
			TableName:                aws.String(s.tableName),
			FilterExpression:         aws.String("#status = :status AND (attribute_not_exists(#started) OR #started < :before)"),
			ExpressionAttributeNames: map[string]string{"#status": "status", "#started": "started_at"},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":status": &types.AttributeValueMemberS{Value: string(StatusProcessing)},
				":before": &types.AttributeValueMemberN{Value: strconv.FormatInt(before.UnixMilli(), 10)},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("scan stale products: %w", err)
		}
		var recs []dynamoRecord
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &recs); err != nil {
			return nil, fmt.Errorf("unmarshal stale products: %w", err)
		}
		for _, r := range recs {
			found = append(found, r.product())
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}

	var stale []*Product
	for _, p := range skipWhere(found, skip) {
		_, err := s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:                aws.String(s.tableName),
			Key:                      s.key(p.Tenant, p.ID),
			UpdateExpression:         aws.String("SET #status = :pending REMOVE #started"),
			ConditionExpression:      aws.String("#status = :processing"),
			ExpressionAttributeNames: map[string]string{"#status": "status", "#started": "started_at"},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pending":    &types.AttributeValueMemberS{Value: string(StatusPending)},
				":processing": &types.AttributeValueMemberS{Value: string(StatusProcessing)},
			},
		})
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			// Settled since the scan.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reset product %s: %w", p.ID, err)
		}
		p.Status = StatusPending
		p.StartedAt = nil
		stale = append(stale, p)
	}
	return stale, nil
}

// queryTenant reads every item of a tenant partition, following pagination.
func (s *DynamoStore) queryTenant(ctx context.Context, tenant Tenant, filter *string, names map[string]string, values map[string]types.AttributeValue) ([]*Product, error) {
	exprNames := map[string]string{"#tenant": "tenant"}
	for k, v := range names {
		exprNames[k] = v
	}
	exprValues := map[string]types.AttributeValue{
		":tenant": &types.AttributeValueMemberS{Value: string(tenant)},
	}
	for k, v := range values {
		exprValues[k] = v
	}

	var products []*Product
	var startKey map[string]types.AttributeValue
	for {
		out, err := s.db.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(s.tableName),
			KeyConditionExpression:    aws.String("#tenant = :tenant"),
			FilterExpression:          filter,
			ExpressionAttributeNames:  exprNames,
			ExpressionAttributeValues: exprValues,
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return nil, err
		}
		var recs []dynamoRecord
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &recs); err != nil {
			return nil, fmt.Errorf("unmarshal products: %w", err)
		}
		for _, r := range recs {
			products = append(products, r.product())
		}
		if len(out.LastEvaluatedKey) == 0 {
			return products, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

func numberValue(f float64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatFloat(f, 'f', -1, 64)}
}
