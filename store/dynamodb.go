package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"infusionrelay/models"
)

// DynamoAPI is the subset of *dynamodb.Client the repository uses.
type DynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// Dynamo stores devices in a DynamoDB table keyed by device_id.
type Dynamo struct {
	Client    DynamoAPI
	TableName string
}

// NewDynamo builds a client from the default AWS credential chain.
// endpoint overrides the service URL (e.g. DynamoDB Local).
func NewDynamo(ctx context.Context, table, region, endpoint string) (*Dynamo, error) {
	if table == "" {
		return nil, fmt.Errorf("dynamodb table name is not set")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return &Dynamo{Client: client, TableName: table}, nil
}

func (s *Dynamo) Create(ctx context.Context, location string) (models.Device, error) {
	count, err := s.count(ctx)
	if err != nil {
		return models.Device{}, err
	}

	now := time.Now().UTC()
	d := models.Device{
		DeviceID:  FormatDeviceID(count + 1),
		Location:  location,
		Status:    models.StatusDegraded,
		CreatedAt: now,
		UpdatedAt: now,
	}
	item, err := attributevalue.MarshalMap(d)
	if err != nil {
		return models.Device{}, fmt.Errorf("failed to marshal device: %w", err)
	}

	_, err = s.Client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.TableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(device_id)"),
	})
	if isConditionFailed(err) {
		return models.Device{}, fmt.Errorf("%w: device %s already exists", models.ErrConflict, d.DeviceID)
	}
	if err != nil {
		return models.Device{}, storeErr(err)
	}
	return d, nil
}

func (s *Dynamo) Get(ctx context.Context, deviceID string) (models.Device, error) {
	out, err := s.Client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.TableName),
		Key:            deviceKey(deviceID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return models.Device{}, storeErr(err)
	}
	if len(out.Item) == 0 {
		return models.Device{}, fmt.Errorf("%w: device %s", models.ErrNotFound, deviceID)
	}
	var d models.Device
	if err := attributevalue.UnmarshalMap(out.Item, &d); err != nil {
		return models.Device{}, fmt.Errorf("failed to unmarshal device: %w", err)
	}
	return d, nil
}

func (s *Dynamo) List(ctx context.Context) ([]models.Device, error) {
	return s.scan(ctx, &dynamodb.ScanInput{TableName: aws.String(s.TableName)})
}

func (s *Dynamo) ListByStatus(ctx context.Context, statuses ...models.Status) ([]models.Device, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	expr, values := inExpression(statuses)
	return s.scan(ctx, &dynamodb.ScanInput{
		TableName:                 aws.String(s.TableName),
		FilterExpression:          aws.String("#status IN (" + expr + ")"),
		ExpressionAttributeNames:  map[string]string{"#status": "status"},
		ExpressionAttributeValues: values,
	})
}

func (s *Dynamo) SetStatus(ctx context.Context, deviceID string, status models.Status) error {
	err := s.update(ctx, deviceID, status, "attribute_exists(device_id)", nil)
	if isConditionFailed(err) {
		return fmt.Errorf("%w: device %s", models.ErrNotFound, deviceID)
	}
	return err
}

// SetStatusIf is a single conditional UpdateItem: the write only lands when
// the stored status is one of from.
func (s *Dynamo) SetStatusIf(ctx context.Context, deviceID string, status models.Status, from ...models.Status) error {
	if len(from) == 0 {
		return s.SetStatus(ctx, deviceID, status)
	}
	expr, values := inExpression(from)
	err := s.update(ctx, deviceID, status, "attribute_exists(device_id) AND #status IN ("+expr+")", values)
	if !isConditionFailed(err) {
		return err
	}
	cur, gerr := s.Get(ctx, deviceID)
	if gerr != nil {
		return gerr
	}
	return fmt.Errorf("%w: device %s is %s", models.ErrConflict, deviceID, cur.Status)
}

func (s *Dynamo) update(ctx context.Context, deviceID string, status models.Status, cond string, extra map[string]types.AttributeValue) error {
	values := map[string]types.AttributeValue{
		":status":     &types.AttributeValueMemberS{Value: string(status)},
		":updated_at": &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)},
	}
	for k, v := range extra {
		values[k] = v
	}
	_, err := s.Client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.TableName),
		Key:                       deviceKey(deviceID),
		ConditionExpression:       aws.String(cond),
		UpdateExpression:          aws.String("SET #status = :status, updated_at = :updated_at"),
		ExpressionAttributeNames:  map[string]string{"#status": "status"},
		ExpressionAttributeValues: values,
	})
	if err != nil && !isConditionFailed(err) {
		return storeErr(err)
	}
	return err
}

func (s *Dynamo) count(ctx context.Context) (int, error) {
	var total int
	p := dynamodb.NewScanPaginator(s.Client, &dynamodb.ScanInput{
		TableName: aws.String(s.TableName),
		Select:    types.SelectCount,
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return 0, storeErr(err)
		}
		total += int(page.Count)
	}
	return total, nil
}

func (s *Dynamo) scan(ctx context.Context, in *dynamodb.ScanInput) ([]models.Device, error) {
	var out []models.Device
	p := dynamodb.NewScanPaginator(s.Client, in)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, storeErr(err)
		}
		var batch []models.Device
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, fmt.Errorf("failed to unmarshal devices: %w", err)
		}
		out = append(out, batch...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func deviceKey(deviceID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"device_id": &types.AttributeValueMemberS{Value: deviceID},
	}
}

func inExpression(statuses []models.Status) (string, map[string]types.AttributeValue) {
	names := make([]string, len(statuses))
	values := make(map[string]types.AttributeValue, len(statuses))
	for i, st := range statuses {
		k := ":s" + strconv.Itoa(i)
		names[i] = k
		values[k] = &types.AttributeValueMemberS{Value: string(st)}
	}
	return strings.Join(names, ", "), values
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return err != nil && errors.As(err, &ccf)
}
